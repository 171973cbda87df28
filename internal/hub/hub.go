// Package hub fans server events out to admin subscribers.
package hub

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DoyleJ11/gnomella-netplay/internal/metrics"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

type Msg interface{ isHubMsg() }

type Publish struct {
	Event protocol.ServerEvent
}

type Join struct {
	ClientID string
	Outbox   chan Envelope // where this subscriber wants to receive events
}

type Leave struct{ ClientID string }

type Shutdown struct{}

type GetState struct {
	Reply chan View
}

func (Publish) isHubMsg()  {}
func (Join) isHubMsg()     {}
func (Leave) isHubMsg()    {}
func (Shutdown) isHubMsg() {}
func (GetState) isHubMsg() {}

// Envelope is one published event with its sequence number.
type Envelope struct {
	Seq   int
	At    time.Time
	Event protocol.ServerEvent
}

type View struct {
	Seq        int
	NumClients int
	Last       *Envelope
}

type Hub struct {
	inbox   chan Msg
	seq     int
	last    *Envelope
	clients map[string]chan Envelope
	clock   clock.Clock
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, clk clock.Clock, m *metrics.Metrics) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan Envelope),
		clock:   clk,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// Publish hands ev to the hub. It returns false once the hub is shut down.
func (h *Hub) Publish(ev protocol.ServerEvent) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case h.inbox <- Publish{Event: ev}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Join:
				// Register and replay the latest event so late joiners see the
				// current server state.
				h.clients[msg.ClientID] = msg.Outbox
				if h.last != nil {
					h.deliver(msg.ClientID, msg.Outbox, *h.last)
				}
				h.metrics.SetSubscribers(len(h.clients))

			case Leave:
				delete(h.clients, msg.ClientID)
				h.metrics.SetSubscribers(len(h.clients))

			case Publish:
				h.seq++
				env := Envelope{Seq: h.seq, At: h.clock.Now(), Event: msg.Event}
				h.last = &env
				for id, ch := range h.clients {
					h.deliver(id, ch, env)
				}
				h.metrics.SetSubscribers(len(h.clients))

			case GetState:
				// test-only: reflect internal state without data races
				msg.Reply <- View{Seq: h.seq, NumClients: len(h.clients), Last: h.last}

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

// deliver drops a subscriber whose outbox is full.
func (h *Hub) deliver(id string, ch chan Envelope, env Envelope) {
	select {
	case ch <- env:
	default:
		close(ch)
		delete(h.clients, id)
	}
}

func (h *Hub) shutdown() {
	for id, ch := range h.clients {
		close(ch) // no more events
		delete(h.clients, id)
	}
	h.metrics.SetSubscribers(0)
	h.cancel()
}
