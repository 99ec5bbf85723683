package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/austindbirch/hookdispatch/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running dispatcher",
	Long:  `Query the /healthz endpoint of a dispatcher and report broker and database status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, code, err := fetchHealth(cmd.Context(), "http://"+serverAddr)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}

		if outputJSON {
			printOutput(st)
			return nil
		}
		if st.OK {
			fmt.Println("✓ Dispatcher is healthy")
		} else {
			fmt.Printf("✗ Dispatcher is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		fmt.Printf("  Broker connected: %v\n", st.Broker)
		if st.Database != nil {
			fmt.Printf("  Database reachable: %v\n", *st.Database)
		}
		return nil
	},
}

func fetchHealth(ctx context.Context, base string) (health.Status, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var st health.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return st, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return st, resp.StatusCode, err
	}
	if err := sonic.ConfigStd.Unmarshal(body, &st); err != nil {
		return st, resp.StatusCode, fmt.Errorf("decode health response: %w", err)
	}
	return st, resp.StatusCode, nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
