package main

import (
	"fmt"

	"github.com/cwbudde/sizif/internal/config"
	"github.com/cwbudde/sizif/internal/remote"
	"github.com/cwbudde/sizif/internal/store"
)

// openBackends opens the local checkpoint folder and the configured remote
// store. The remote is nil when none is configured.
func openBackends(c *config.Config) (*store.LocalStore, store.Backend, error) {
	local, err := store.NewLocalStore(c.Checkpoint.Folder)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint folder: %w", err)
	}

	rem, err := remote.New(c.RemoteOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure remote store: %w", err)
	}
	return local, rem, nil
}
