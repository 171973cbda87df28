package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

func TestChannel_FIFO(t *testing.T) {
	c, err := New[int](8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(i))
	}
	for i := 0; i < 5; i++ {
		v, ok, err := c.TryReceive()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok, err := c.TryReceive()
	assert.NoError(t, err)
	assert.False(t, ok, "empty channel must not block or yield")
}

func TestChannel_FullIsReported(t *testing.T) {
	c, err := New[string](1)
	require.NoError(t, err)

	require.NoError(t, c.Send("a"))
	assert.ErrorIs(t, c.Send("b"), protocol.ErrChannelFull)

	v, ok, _ := c.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestChannel_CloseDrainsThenReportsClosed(t *testing.T) {
	c, err := New[int](4)
	require.NoError(t, err)
	require.NoError(t, c.Send(1))
	require.NoError(t, c.Send(2))

	c.Close()
	c.Close() // idempotent

	assert.ErrorIs(t, c.Send(3), protocol.ErrChannelClosed)

	v, ok, err := c.TryReceive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok, err = c.TryReceive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok, err = c.TryReceive()
	assert.False(t, ok)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
}

func TestChannel_RejectsZeroCapacity(t *testing.T) {
	_, err := New[int](0)
	assert.Error(t, err)
	_, err = NewPair(0)
	assert.Error(t, err)
}

func TestChannel_ConcurrentProducersKeepPerSenderOrder(t *testing.T) {
	c, err := New[[2]int](256)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, c.Send([2]int{p, i}))
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for {
		v, ok, err := c.TryReceive()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, last[v[0]]+1, v[1], "producer %d out of order", v[0])
		last[v[0]] = v[1]
	}
	for p, i := range last {
		assert.Equal(t, 49, i, "producer %d", p)
	}
}

func TestPair_RoundTripKeepsOrder(t *testing.T) {
	pair, err := NewPair(DefaultCapacity)
	require.NoError(t, err)
	client, server := pair.ClientEnd(), pair.ServerEnd()

	sent := []protocol.ClientCommand{
		protocol.StartServer{Config: protocol.DefaultServerConfig()},
		protocol.SetLobbyVisibility{Visible: false},
		protocol.StopServer{},
	}
	for _, cmd := range sent {
		require.NoError(t, client.Send(cmd))
	}
	for _, want := range sent {
		got, ok, err := server.TryReceive()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	require.NoError(t, server.Send(protocol.Stopped{Reason: protocol.StopReasonRequested}))
	ev, ok, err := client.TryReceive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.Stopped{Reason: protocol.StopReasonRequested}, ev)
}

func TestPair_ZeroEndsReportClosed(t *testing.T) {
	var client ClientEnd
	assert.False(t, client.Valid())
	assert.ErrorIs(t, client.Send(protocol.StopServer{}), protocol.ErrChannelClosed)
	_, _, err := client.TryReceive()
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
}
