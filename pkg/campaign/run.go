package campaign

import (
	"context"
	"time"

	"github.com/itohio/govfd/pkg/vfd"
)

// Run starts the campaign and drives it from lines until it completes or
// ctx is cancelled. Cancellation halts the campaign and returns nil; the
// drive is left for the Supervisor to stop.
func (c *Controller) Run(ctx context.Context, lines <-chan vfd.Message) error {
	if err := c.Start(c.now()); err != nil {
		return err
	}

	poll := c.cfg.Acquisition.PollTimeout
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		now := c.now()
		if !c.Tick(now) {
			return nil
		}

		wait := poll
		if due := c.NextDue(); !due.IsZero() {
			if d := due.Sub(now); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			c.Halt("interrupted")
			return nil
		case msg := <-lines:
			c.Handle(c.now(), msg)
		case <-timer.C:
		}
	}
}
