package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/austindbirch/hookdispatch/internal/broker"
	"github.com/austindbirch/hookdispatch/internal/config"
	"github.com/austindbirch/hookdispatch/internal/delivery"
	"github.com/austindbirch/hookdispatch/internal/tracing"
)

type publishOptions struct {
	url       string
	event     string
	eventType string
	teamID    string
	jobID     string
	scrapeID  string
	docID     string
	errMsg    string
	failed    bool
	timeoutMS uint64
	data      []string
	headers   []string
	metadata  []string
}

var pubOpts publishOptions

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a webhook message onto the queue",
	Long: `Build a webhook message and enqueue it on the webhooks queue, where a
running dispatcher will pick it up and deliver it.

Examples:
  hookctl publish --url https://example.com/hook --team t1 --job j1 \
    --event page --type crawl.page --data '{"markdown":"# hi"}'
  hookctl publish --url http://fake-receiver:8081/hook --team t1 --job j1 \
    --event completed --data @docs.json --header X-Source=cli`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := buildMessage(pubOpts)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		switch brokerKind {
		case config.BrokerNSQ:
			err = broker.PublishNSQ(nsqdAddr, body)
		case config.BrokerAMQP:
			err = broker.PublishAMQP(ctx, amqpURL, body, tracing.InjectTable(ctx))
		default:
			return fmt.Errorf("unknown broker %q (use amqp or nsq)", brokerKind)
		}
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}

		if outputJSON {
			printOutput(map[string]any{
				"queue":  broker.QueueName,
				"broker": brokerKind,
				"bytes":  len(body),
			})
		} else {
			fmt.Printf("Published %d bytes to %s via %s\n", len(body), broker.QueueName, brokerKind)
		}
		return nil
	},
}

// buildMessage assembles and validates the queue body. The result decodes
// with delivery.Decode, so a dispatcher will never treat it as malformed.
func buildMessage(o publishOptions) ([]byte, error) {
	headers, err := parseKeyValues(o.headers)
	if err != nil {
		return nil, fmt.Errorf("--header: %w", err)
	}
	metadata, err := parseKeyValues(o.metadata)
	if err != nil {
		return nil, fmt.Errorf("--metadata: %w", err)
	}

	if headers == nil {
		headers = map[string]string{}
	}
	data := []json.RawMessage{}
	for _, d := range o.data {
		raw, err := readInput(d)
		if err != nil {
			return nil, err
		}
		if !sonic.ConfigStd.Valid(raw) {
			return nil, fmt.Errorf("--data is not valid JSON: %s", raw)
		}
		data = append(data, json.RawMessage(raw))
	}

	m := delivery.QueueMessage{
		WebhookURL: o.url,
		Payload: delivery.Payload{
			Success:   !o.failed,
			EventType: o.eventType,
			Data:      data,
			Metadata:  metadata,
		},
		Headers:   headers,
		TeamID:    o.teamID,
		JobID:     o.jobID,
		Event:     o.event,
		TimeoutMS: o.timeoutMS,
	}
	if o.scrapeID != "" {
		m.ScrapeID = &o.scrapeID
	}
	if o.docID != "" {
		m.Payload.ID = &o.docID
	}
	if o.jobID != "" {
		m.Payload.JobID = &o.jobID
	}
	if o.errMsg != "" {
		m.Payload.Error = &o.errMsg
	}

	body, err := sonic.ConfigStd.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if _, err := delivery.Decode(body); err != nil {
		return nil, err
	}
	return body, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)

	f := publishCmd.Flags()
	f.StringVar(&pubOpts.url, "url", "", "webhook URL to deliver to (required)")
	f.StringVar(&pubOpts.event, "event", "", "short event name, e.g. page or completed")
	f.StringVar(&pubOpts.eventType, "type", "", "payload event type, e.g. crawl.page")
	f.StringVar(&pubOpts.teamID, "team", "", "team id")
	f.StringVar(&pubOpts.jobID, "job", "", "job (crawl) id")
	f.StringVar(&pubOpts.scrapeID, "scrape", "", "scrape id")
	f.StringVar(&pubOpts.docID, "id", "", "payload id")
	f.StringVar(&pubOpts.errMsg, "error", "", "payload error message")
	f.BoolVar(&pubOpts.failed, "failed", false, "mark the payload as unsuccessful")
	f.Uint64Var(&pubOpts.timeoutMS, "timeout-ms", 0, "per-delivery timeout in milliseconds (0 uses the dispatcher default)")
	f.StringArrayVar(&pubOpts.data, "data", nil, "JSON document for payload data, or @file (repeatable)")
	f.StringArrayVar(&pubOpts.headers, "header", nil, "extra webhook header key=value (repeatable)")
	f.StringArrayVar(&pubOpts.metadata, "metadata", nil, "payload metadata key=value (repeatable)")
	_ = publishCmd.MarkFlagRequired("url")
}
