package model

import (
	"fmt"

	"github.com/loqalabs/loqa-caption/internal/config"
)

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(cfg config.ModelConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "mock":
		return NewMockBackend(), nil
	case "exec":
		return NewExecBackend(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}
