package session

import (
	"sort"
	"sync"
	"time"
)

// PendingRequest tracks one request sent on the primary channel and not yet
// answered.
type PendingRequest struct {
	RequestID string
	SentAt    time.Time
	// Streaming is set once the host moved the response onto a
	// subchannel. The id stays pending until that stream ends.
	Streaming bool
	owner     *Endpoint
}

// pendingTable stores pending requests by request id. The session loop is
// the only writer; readers outside the loop take snapshots.
type pendingTable struct {
	mu    sync.RWMutex
	items map[string]PendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		items: make(map[string]PendingRequest),
	}
}

// Upsert keys item by its id exactly as given. Ids are compared for
// equality only; the empty id is never tracked.
func (p *pendingTable) Upsert(item PendingRequest) {
	if item.RequestID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[item.RequestID] = item
}

func (p *pendingTable) MarkStreaming(requestID string) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[requestID]
	if !ok {
		return PendingRequest{}, false
	}
	item.Streaming = true
	p.items[requestID] = item
	return item, true
}

func (p *pendingTable) Remove(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, requestID)
}

func (p *pendingTable) Get(requestID string) (PendingRequest, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[requestID]
	return item, ok
}

func (p *pendingTable) Has(requestID string) bool {
	_, ok := p.Get(requestID)
	return ok
}

// Clear drops every pending request. A disconnect cancels them implicitly.
func (p *pendingTable) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	p.items = make(map[string]PendingRequest)
	return n
}

// ForgetOwner detaches owner from its requests so later responses fall back
// to broadcast delivery.
func (p *pendingTable) ForgetOwner(owner *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, item := range p.items {
		if item.owner == owner {
			item.owner = nil
			p.items[id] = item
		}
	}
}

func (p *pendingTable) List() []PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, item := range p.items {
		item.owner = nil
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
