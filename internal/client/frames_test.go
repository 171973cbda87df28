package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFrames_TicksAtFrameRate(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	var frames atomic.Int32
	done := make(chan error, 1)
	go func() { done <- RunFrames(ctx, mock, DefaultFrameRate, func() { frames.Add(1) }) }()

	frame := time.Second / DefaultFrameRate
	for i := int32(1); i <= 3; i++ {
		require.Eventually(t, func() bool {
			if frames.Load() >= i {
				return true
			}
			mock.Add(frame)
			return frames.Load() >= i
		}, time.Second, time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("frame loop did not stop")
	}
}
