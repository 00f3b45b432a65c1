package wire

import (
	"context"
	"errors"
	"math/rand"
)

// ErrStopMonitor ends Monitor without error when returned by the callback.
var ErrStopMonitor = errors.New("stop monitoring")

func newMonitorID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}

// Monitor subscribes to regions under a fresh random id and calls fn with
// every sample the agent pushes for that subscription. Frames that carry
// another id, lack the memmon magic or have the wrong length are logged and
// dropped. If the agent was paused it is unpaused for the duration. On
// return the subscription is cleared and the pause state restored, whatever
// ended the loop.
func (c *Client) Monitor(ctx context.Context, regions []Region, fn func(Sample) error) (err error) {
	prev, err := c.SetFlags(ctx, 0, 0)
	if err != nil {
		return err
	}
	wasPaused := prev&FlagPause != 0
	id := newMonitorID()

	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if cerr := c.SetMonitorConfig(cleanup, 0, nil); cerr != nil {
			c.log.Warnf("clearing monitor config: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
		if wasPaused {
			if _, perr := c.SetFlags(cleanup, FlagPause, 0); perr != nil {
				c.log.Warnf("restoring pause: %v", perr)
			}
		}
	}()

	hose, err := c.openHose(ctx)
	if err != nil {
		return err
	}
	defer hose.Close()

	if err := c.SetMonitorConfig(ctx, id, regions); err != nil {
		return err
	}
	c.log.Debugf("monitoring %v as %#x", regions, id)
	if wasPaused {
		if _, err := c.SetFlags(ctx, 0, FlagPause); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-hose.frames:
			if !ok {
				return hose.Err()
			}
			s, derr := decodeSample(frame, id, regions)
			if derr != nil {
				c.log.Warnf("dropping hose frame: %v", derr)
				continue
			}
			if ferr := fn(s); ferr != nil {
				if errors.Is(ferr, ErrStopMonitor) {
					return nil
				}
				return ferr
			}
		}
	}
}
