//go:build !windows

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/peiwan-ops/pwatch/internal/utils"
	"github.com/peiwan-ops/pwatch/pkg/polling"
)

// watchVisibility pauses the registry on SIGUSR1 and resumes it on
// SIGUSR2 until ctx is done.
func watchVisibility(ctx context.Context, r *polling.Registry) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			visible := sig == syscall.SIGUSR2
			if visible == r.Visible() {
				continue
			}
			utils.Log.Debugf("Received %s", sig)
			r.SetVisible(visible)
		}
	}
}
