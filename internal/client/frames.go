package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultFrameRate is the game's fixed timestep.
const DefaultFrameRate = 64

// RunFrames calls tick once per frame until ctx ends.
func RunFrames(ctx context.Context, clk clock.Clock, hz int, tick func()) error {
	if clk == nil {
		clk = clock.New()
	}
	if hz <= 0 {
		hz = DefaultFrameRate
	}
	ticker := clk.Ticker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		}
	}
}
