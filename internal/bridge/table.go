package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Automattic/pingbridge/internal/bus"
)

// Subscription is the live binding of one connection to one address.
type Subscription struct {
	ConnID  string
	Address string
	Headers Headers

	handle bus.Handle
	// pending is set while the bus subscription is being made.
	pending bool
}

// Handle returns the bus handle owned by the subscription.
func (s *Subscription) Handle() bus.Handle {
	return s.handle
}

func (s *Subscription) key() subKey {
	return subKey{s.ConnID, s.Address}
}

type subKey struct {
	conn    string
	address string
}

// connSubs is what one connection holds against its handler limit.
type connSubs struct {
	addrs   map[string]struct{}
	replies int
}

// Table is the authoritative record of subscriptions. It holds at most one
// subscription, and therefore at most one bus handle, per (connection,
// address), and it is the only place bus handles are created or released.
//
// The mutex guards only the maps. A (connection, address) slot is reserved
// under it before the bus is asked for a handle, and an entry is removed
// under it before its handle is released, so bus round trips never hold up
// other connections.
type Table struct {
	mu    sync.Mutex
	bus   Bus
	subs  map[subKey]*Subscription
	conns map[string]*connSubs
	max   int

	// admit, if set, is asked once more when a registration commits.
	admit func(*Subscription) bool
}

// NewTable returns a table subscribing through b. maxPerConn limits the
// subscriptions plus pending replies of one connection; zero means no limit.
func NewTable(b Bus, maxPerConn int) *Table {
	return &Table{
		bus:   b,
		subs:  make(map[subKey]*Subscription),
		conns: make(map[string]*connSubs),
		max:   maxPerConn,
	}
}

// Open starts tracking connID. Registrations for a connection that is not
// open fail with ErrConnectionClosed.
func (t *Table) Open(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[connID]; !ok {
		t.conns[connID] = &connSubs{addrs: make(map[string]struct{})}
	}
}

func (t *Table) full(c *connSubs) bool {
	return t.max > 0 && len(c.addrs)+c.replies >= t.max
}

// Register subscribes connID to address with h. A second registration of
// the same pair fails with ErrAlreadyRegistered and leaves the first intact.
// If the connection is removed while the bus subscription is made, the new
// handle is released again and ErrConnectionClosed is returned.
func (t *Table) Register(connID, address string, headers Headers, h bus.Handler) (*Subscription, error) {
	sub, err := t.reserve(connID, address, headers)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", address, err)
	}

	handle, err := t.bus.Subscribe(address, h)
	if err != nil {
		t.mu.Lock()
		if t.subs[sub.key()] == sub {
			t.remove(sub)
		}
		t.mu.Unlock()
		return nil, fmt.Errorf("register %q: %w", address, err)
	}

	t.mu.Lock()
	owned := t.subs[sub.key()] == sub
	admitted := owned && (t.admit == nil || t.admit(sub))
	switch {
	case admitted:
		sub.handle = handle
		sub.pending = false
	case owned:
		t.remove(sub)
	}
	t.mu.Unlock()
	if admitted {
		return sub, nil
	}

	reason := ErrConnectionClosed
	if owned {
		reason = ErrPolicyDenied
	}
	err = fmt.Errorf("register %q: %w", address, reason)
	if uerr := t.bus.Unsubscribe(handle); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return nil, err
}

func (t *Table) reserve(connID, address string, headers Headers) (*Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[connID]
	if !ok {
		return nil, ErrConnectionClosed
	}
	key := subKey{connID, address}
	if _, ok := t.subs[key]; ok {
		return nil, ErrAlreadyRegistered
	}
	if t.full(c) {
		return nil, ErrTooManyHandlers
	}
	sub := &Subscription{ConnID: connID, Address: address, Headers: headers, pending: true}
	t.subs[key] = sub
	c.addrs[address] = struct{}{}
	return sub, nil
}

// Unregister removes the subscription of connID to address and releases its
// handle. It fails with ErrNotRegistered, changing nothing, if there is none.
func (t *Table) Unregister(connID, address string) (*Subscription, error) {
	t.mu.Lock()
	sub, ok := t.subs[subKey{connID, address}]
	if !ok || sub.pending {
		t.mu.Unlock()
		return nil, fmt.Errorf("unregister %q: %w", address, ErrNotRegistered)
	}
	t.remove(sub)
	t.mu.Unlock()

	if err := t.bus.Unsubscribe(sub.handle); err != nil {
		return sub, fmt.Errorf("unregister %q: %w", address, err)
	}
	return sub, nil
}

// RemoveAll releases every subscription of connID and stops tracking it.
// Calling it again, or for an unknown connection, returns nothing.
// A registration still in flight is rolled back by its own Register call.
func (t *Table) RemoveAll(connID string) ([]*Subscription, error) {
	t.mu.Lock()
	c, ok := t.conns[connID]
	if !ok {
		t.mu.Unlock()
		return nil, nil
	}
	delete(t.conns, connID)
	removed := t.take(connID, c, nil)
	t.mu.Unlock()

	return removed, t.release(removed)
}

// Revoke releases the subscriptions of connID for which keep returns false.
// Registrations still in flight are checked when they commit instead.
func (t *Table) Revoke(connID string, keep func(*Subscription) bool) ([]*Subscription, error) {
	t.mu.Lock()
	c, ok := t.conns[connID]
	if !ok {
		t.mu.Unlock()
		return nil, nil
	}
	removed := t.take(connID, c, keep)
	t.mu.Unlock()

	return removed, t.release(removed)
}

// take removes the committed subscriptions of connID that keep rejects and
// returns them in address order. Pending entries are dropped from the maps
// without being returned; their Register call owns the handle.
func (t *Table) take(connID string, c *connSubs, keep func(*Subscription) bool) []*Subscription {
	var removed []*Subscription
	for _, address := range sortedKeys(c.addrs) {
		sub := t.subs[subKey{connID, address}]
		if sub.pending {
			if keep == nil {
				t.remove(sub)
			}
			continue
		}
		if keep != nil && keep(sub) {
			continue
		}
		t.remove(sub)
		removed = append(removed, sub)
	}
	return removed
}

func (t *Table) release(subs []*Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := t.bus.Unsubscribe(sub.handle); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", sub.Address, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Table) remove(sub *Subscription) {
	delete(t.subs, sub.key())
	if c, ok := t.conns[sub.ConnID]; ok {
		delete(c.addrs, sub.Address)
	}
}

// AcquireReply takes one handler slot of connID for a pending request. It
// must be paired with ReleaseReply.
func (t *Table) AcquireReply(connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[connID]
	if !ok {
		return ErrConnectionClosed
	}
	if t.full(c) {
		return ErrTooManyHandlers
	}
	c.replies++
	return nil
}

// ReleaseReply returns a slot taken by AcquireReply.
func (t *Table) ReleaseReply(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[connID]; ok && c.replies > 0 {
		c.replies--
	}
}

// Replies returns the number of requests connID has waiting for a reply.
func (t *Table) Replies(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[connID]; ok {
		return c.replies
	}
	return 0
}

// Has reports whether connID is subscribed to address.
func (t *Table) Has(connID, address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[subKey{connID, address}]
	return ok && !sub.pending
}

// Count returns the number of subscriptions held by connID.
func (t *Table) Count(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[connID]; ok {
		return len(c.addrs)
	}
	return 0
}

// Addresses returns the addresses connID is subscribed to, sorted.
func (t *Table) Addresses(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[connID]; ok {
		return sortedKeys(c.addrs)
	}
	return nil
}

// Len returns the number of live subscriptions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
