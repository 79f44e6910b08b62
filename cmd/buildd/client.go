package main

import (
	"fmt"

	"github.com/buildd-ai/buildd-sub001/internal/config"
	"github.com/buildd-ai/buildd-sub001/pkg/relay"
)

// observerClient builds a relay client for the observer-side commands (task,
// instruct, workers, logs) from the loaded config.
func observerClient() (*relay.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return relay.NewClient(cfg.Dashboard.RelayURL, relay.ClientConfig{}), cfg, nil
}
