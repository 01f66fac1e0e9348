package store

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/config"
)

const DefaultSQLitePath = "data/assessments.db"

// Open builds the configured store. An empty path falls back to the default
// on-disk location.
func Open(cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: missing config")
	}

	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = DefaultSQLitePath
	}
	return NewSQLiteStore(path)
}
