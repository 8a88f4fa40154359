package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Automattic/pingbridge/internal/bus"
	"github.com/Automattic/pingbridge/internal/policy"
)

// countingBus records every handle it hands out and releases.
type countingBus struct {
	*bus.Bus

	mu         sync.Mutex
	subscribed map[bus.Handle]int
	released   map[bus.Handle]int
}

func newCountingBus(t *testing.T) *countingBus {
	b := &countingBus{
		Bus:        bus.New(),
		subscribed: make(map[bus.Handle]int),
		released:   make(map[bus.Handle]int),
	}
	t.Cleanup(b.Close)
	return b
}

func (c *countingBus) Subscribe(address string, h bus.Handler) (bus.Handle, error) {
	handle, err := c.Bus.Subscribe(address, h)
	if err == nil {
		c.mu.Lock()
		c.subscribed[handle]++
		c.mu.Unlock()
	}
	return handle, err
}

func (c *countingBus) Unsubscribe(h bus.Handle) error {
	c.mu.Lock()
	c.released[h]++
	c.mu.Unlock()
	return c.Bus.Unsubscribe(h)
}

// handles returns how many handles were created for address and how many
// times each of them was released.
func (c *countingBus) handles(address string) (created int, releases []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, n := range c.subscribed {
		if h.Address() == address {
			created += n
			releases = append(releases, c.released[h])
		}
	}
	return created, releases
}

func allowRules(addresses ...string) []policy.Rule {
	var rules []policy.Rule
	for _, a := range addresses {
		rules = append(rules,
			policy.Rule{Direction: policy.Inbound, Address: a},
			policy.Rule{Direction: policy.Outbound, Address: a})
	}
	return rules
}

func newTestServer(t *testing.T, b Bus, opts Options) *Server {
	t.Helper()
	opts.Bus = b
	if opts.Policy == nil {
		opts.Policy = policy.Must(allowRules("addr1", "addr2"))
	}
	srv := NewServer(opts)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func openSession(t *testing.T, srv *Server) *Session {
	t.Helper()
	sess, err := srv.Open(context.Background(), "127.0.0.1:1")
	require.NoError(t, err)
	return sess
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func registerFrame(address string) []byte {
	return []byte(`{"type":"register","address":"` + address + `","headers":{"Accept":"application/json"}}`)
}

func unregisterFrame(address string) []byte {
	return []byte(`{"type":"unregister","address":"` + address + `","headers":{"Accept":"application/json"}}`)
}

// next reads the next outbound frame of sess.
func next(t *testing.T, sess *Session) map[string]any {
	t.Helper()
	select {
	case b, ok := <-sess.Outbound():
		require.True(t, ok, "outbound queue closed")
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame")
		return nil
	}
}

// quiet asserts sess writes nothing for a short while.
func quiet(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case b := <-sess.Outbound():
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func number(i int) json.RawMessage {
	b, _ := json.Marshal(i)
	return b
}

// gatedBus holds every Subscribe for one address until release is closed.
type gatedBus struct {
	*countingBus
	address string
	entered chan struct{}
	release chan struct{}
}

func newGatedBus(t *testing.T, address string) *gatedBus {
	return &gatedBus{
		countingBus: newCountingBus(t),
		address:     address,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedBus) Subscribe(address string, h bus.Handler) (bus.Handle, error) {
	if address == g.address {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.countingBus.Subscribe(address, h)
}
