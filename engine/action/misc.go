package action

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fieldops/flowengine/core"
)

type delay struct {
	clock clock.Clock
}

func (a *delay) Type() string {
	return "delay"
}

// Execute blocks the walk for config.delayMinutes minutes (default 1). The
// walk is sequential, so the whole remaining branch waits.
func (a *delay) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	minutes := 1.0
	switch m := node.Config["delayMinutes"].(type) {
	case float64:
		minutes = m
	case int:
		minutes = float64(m)
	}

	t := a.clock.Timer(time.Duration(minutes * float64(time.Minute)))
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return map[string]any{
		"delayedMinutes": minutes,
	}, nil
}

type sendEmail struct{}

func (a *sendEmail) Type() string {
	return "send_email"
}

// Execute is a stub: the mail integration never shipped, so the action
// records that nothing was sent instead of failing workflows that use it.
func (a *sendEmail) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	return map[string]any{
		"emailSent": false,
		"reason":    "Not implemented",
	}, nil
}
