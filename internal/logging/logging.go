// Package logging builds the structured loggers used across the lifecycle
// core.
package logging

import (
	"go.uber.org/zap"
)

// New builds a production logger at the given level. An empty level means
// "info".
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// Nop returns a logger that discards everything. Components default to it
// so the library stays quiet when the embedding process does not configure
// logging.
func Nop() *zap.Logger {
	return zap.NewNop()
}
