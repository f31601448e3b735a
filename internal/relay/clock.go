package relay

import (
	"context"
	"time"
)

// clock abstracts the backoff delay so retry sequencing is testable without
// real time passing.
type clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
