package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// errIDInFlight reports a request whose id is still owned by a running call.
var errIDInFlight = errors.New("request id is already in flight")

// pendingTable tracks the requests a session is still working on. It is the only place
// that decides whether a reply may be written, which keeps replies at most one per id.
type pendingTable struct {
	lock  sync.Mutex
	calls map[RequestID]*pendingCall
	limit int
}

type pendingCall struct {
	method string
	cancel context.CancelFunc
}

func newPendingTable(limit int) *pendingTable {
	return &pendingTable{
		calls: make(map[RequestID]*pendingCall),
		limit: limit,
	}
}

// add registers a request. It fails when the id is already in flight or the table is full.
func (p *pendingTable) add(id RequestID, method string, cancel context.CancelFunc) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.calls[id]; ok {
		return fmt.Errorf("%w: %s", errIDInFlight, id)
	}
	if p.limit > 0 && len(p.calls) >= p.limit {
		return fmt.Errorf("%w: limit is %d", ErrTooManyInFlight, p.limit)
	}
	p.calls[id] = &pendingCall{method: method, cancel: cancel}
	return nil
}

// complete removes id and reports whether the caller owns the reply. A false return
// means the request was cancelled or already answered and the result must be dropped.
func (p *pendingTable) complete(id RequestID) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	call, ok := p.calls[id]
	if !ok {
		return false
	}
	delete(p.calls, id)
	call.cancel()
	return true
}

// cancel aborts id without a reply, as requested by notifications/cancelled.
func (p *pendingTable) cancel(id RequestID) bool {
	return p.complete(id)
}

// drain cancels every pending call and returns their ids; the caller owns their replies.
func (p *pendingTable) drain() []RequestID {
	p.lock.Lock()
	defer p.lock.Unlock()

	ids := make([]RequestID, 0, len(p.calls))
	for id, call := range p.calls {
		call.cancel()
		ids = append(ids, id)
	}
	clear(p.calls)
	return ids
}

func (p *pendingTable) len() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.calls)
}
