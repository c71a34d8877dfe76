package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcavero/agentbus/internal/config"
	"github.com/dcavero/agentbus/pkg/ports"
)

var (
	publishData          string
	publishCorrelationID string
)

var publishCmd = &cobra.Command{
	Use:   "publish <event-type>",
	Short: "Publish a single event onto the bus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPublish(cmd.Context(), args[0])
	},
}

func init() {
	publishCmd.Flags().StringVarP(&publishData, "data", "d", "{}", "event payload as JSON")
	publishCmd.Flags().StringVar(&publishCorrelationID, "correlation-id", "", "publish with a caller-chosen event id")
}

func runPublish(ctx context.Context, eventType string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	var payload ports.Payload
	if err := json.Unmarshal([]byte(publishData), &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	eventBus := newBus(client, cfg, nil, logger)

	var eventID string
	if publishCorrelationID != "" {
		eventID, err = eventBus.PublishCorrelated(ctx, eventType, payload, publishCorrelationID)
	} else {
		eventID, err = eventBus.Publish(ctx, eventType, payload)
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	fmt.Printf("published %s to %s (event_id=%s)\n", eventType, eventBus.StreamName(eventType), eventID)
	return nil
}
