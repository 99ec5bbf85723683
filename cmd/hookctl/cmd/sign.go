package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookdispatch/internal/signature"
)

var verifySig string

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:   "sign [body|@file|@-]",
	Short: "Compute or verify a webhook signature",
	Long: `Compute the signature header value for a webhook body, exactly as the
dispatcher does, using the secret from --secret or WEBHOOK_SIGNING_SECRET.

Examples:
  hookctl sign --secret k '{}'
  hookctl sign --secret k @body.json --verify sha256=add853b1...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(args[0])
		if err != nil {
			return err
		}

		if verifySig != "" {
			ok := signature.Verify(signingKey, body, verifySig)
			if outputJSON {
				printOutput(map[string]any{"valid": ok})
			} else if ok {
				fmt.Println("✓ signature is valid")
			} else {
				fmt.Println("✗ signature does not match")
			}
			if !ok {
				return fmt.Errorf("signature mismatch")
			}
			return nil
		}

		sig := signature.Sign(signingKey, body)
		if outputJSON {
			printOutput(map[string]string{"header": sigHeader, "signature": sig})
		} else {
			fmt.Printf("%s: %s\n", sigHeader, sig)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&verifySig, "verify", "", "verify this signature instead of printing one")
}
