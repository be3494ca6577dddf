// Package telemetry provides the structured logger and metrics registry
// shared by every component in the runtime.
package telemetry

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger: zap's production
// config (JSON encoding) by default, or zap's development config
// (console encoding) when development is true.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Sugar is a convenience alias used throughout the codebase to avoid
// importing zap in every package signature.
type Sugar = zap.SugaredLogger
