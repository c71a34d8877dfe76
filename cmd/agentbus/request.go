package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcavero/agentbus/internal/config"
	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

var (
	requestData    string
	requestTimeout time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request <event-type>",
	Short: "Publish a request event and wait for its response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(cmd.Context(), args[0])
	},
}

func init() {
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "{}", "request payload as JSON")
	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", 0, "response deadline (defaults to BUS_REQUEST_TIMEOUT)")
}

func runRequest(ctx context.Context, eventType string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	var payload ports.Payload
	if err := json.Unmarshal([]byte(requestData), &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	timeout := requestTimeout
	if timeout <= 0 {
		timeout = cfg.Bus.RequestTimeout
	}

	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	eventBus := newBus(client, cfg, nil, logger)

	response, err := eventBus.Request(ctx, eventType, payload, timeout)
	if err != nil {
		if errors.Is(err, bus.ErrRequestTimeout) {
			return fmt.Errorf("no response to %s within %s: %w", eventType, timeout, err)
		}
		return fmt.Errorf("request failed: %w", err)
	}

	out, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
