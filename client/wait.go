package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldops/flowengine/core"
)

var ErrExecutionNotFinished = errors.New("execution did not finish in time")

// WaitForExecution polls the execution row until it reaches a terminal state
// or the timeout expires. Starting an execution is fire-and-forget, so this
// is the only way for a caller to synchronize on the outcome.
func (c *Client) WaitForExecution(ctx context.Context, executionID string, timeout time.Duration) (*core.Execution, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	var e *core.Execution

	operation := func() error {
		var err error
		e, err = c.backend.GetExecution(ctx, executionID)
		if err != nil {
			return backoff.Permanent(err)
		}

		if !e.Finished() {
			return ErrExecutionNotFinished
		}

		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("waiting for execution: %w", err)
	}

	return e, nil
}
