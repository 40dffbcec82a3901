// Package correlator matches asynchronous responses back to the request
// that caused them. Each forwarded command gets a unique request ID and a
// PendingRequest the caller awaits; a matching response, a timeout, or
// the target's disconnection settles it exactly once.
package correlator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appbridge/appbridge-go/internal/packet"
)

var (
	// ErrTimeout is returned when no response arrives before the
	// request's deadline.
	ErrTimeout = errors.New("timed out waiting for application response")

	// ErrDisconnected is returned when the target application's
	// connection went away while the request was in flight.
	ErrDisconnected = errors.New("application disconnected while request in flight")
)

// outcome is the terminal state of a pending request.
type outcome struct {
	packet packet.Response
	err    error
}

// PendingRequest is one in-flight command awaiting a response.
// Target identifies the connection the command was written to, so that
// a connection's teardown fails exactly the requests riding on it.
type PendingRequest struct {
	ID          string
	Application string
	Target      any
	CreatedAt   time.Time
	Deadline    time.Time

	done  chan outcome
	timer *time.Timer
}

// Await blocks until the request settles or ctx is done. The outcome is
// delivered at most once; after the first terminal transition the entry
// is already gone from the correlation table.
func (p *PendingRequest) Await(ctx context.Context) (packet.Response, error) {
	select {
	case out := <-p.done:
		return out.packet, out.err
	case <-ctx.Done():
		return packet.Response{}, ctx.Err()
	}
}

// Correlator owns the correlation table. Every terminal transition
// removes its entry, so an application that never responds is bounded by
// the request timeout rather than leaking memory.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		pending: make(map[string]*PendingRequest),
	}
}

// Create registers a new pending request targeting application over the
// given connection and arms its timeout. The returned request's ID
// doubles as the wire senderId.
func (c *Correlator) Create(application string, target any, timeout time.Duration) *PendingRequest {
	now := time.Now()
	p := &PendingRequest{
		ID:          uuid.NewString(),
		Application: application,
		Target:      target,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
		done:        make(chan outcome, 1),
	}

	c.mu.Lock()
	c.pending[p.ID] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.Fail(p.ID, ErrTimeout)
	})
	c.mu.Unlock()
	return p
}

// Resolve settles the request with a response payload. Unknown IDs
// (already settled, timed out, or never issued) are a logged no-op;
// late responses must never crash the relay.
func (c *Correlator) Resolve(id string, pkt packet.Response) bool {
	p, ok := c.take(id)
	if !ok {
		log.Printf("[Correlator] ⚠️ Dropping response for unknown request %s", id)
		return false
	}
	p.done <- outcome{packet: pkt}
	return true
}

// Fail settles the request with an error. Same no-op semantics as
// Resolve for unknown IDs.
func (c *Correlator) Fail(id string, err error) bool {
	p, ok := c.take(id)
	if !ok {
		return false
	}
	p.done <- outcome{err: err}
	return true
}

// FailAllOn rejects every pending request riding on target. Called when
// a connection disconnects or is superseded; requests the same
// application already routed to a newer connection stay pending.
// Returns the number of requests rejected.
func (c *Correlator) FailAllOn(target any, err error) int {
	c.mu.Lock()
	var victims []*PendingRequest
	for id, p := range c.pending {
		if p.Target == target {
			delete(c.pending, id)
			victims = append(victims, p)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: err}
	}
	if len(victims) > 0 {
		log.Printf("[Correlator] 🔌 Failed %d in-flight request(s) for %s", len(victims), victims[0].Application)
	}
	return len(victims)
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the entry for id. Removal under the lock is
// what makes settlement at-most-once: the second caller finds nothing.
func (c *Correlator) take(id string) (*PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}
