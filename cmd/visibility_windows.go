package cmd

import (
	"context"

	"github.com/peiwan-ops/pwatch/pkg/polling"
)

// watchVisibility does nothing on Windows, which has no user signals.
func watchVisibility(ctx context.Context, _ *polling.Registry) {
	<-ctx.Done()
}
