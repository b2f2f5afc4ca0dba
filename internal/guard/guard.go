// Package guard deduplicates and sequences webhook deliveries per call.
// Telephony providers retry deliveries on timeout and may deliver
// concurrently from multiple edge nodes; side-effecting work must never run
// twice for one logical event.
package guard

import (
	"log"
	"sync"
	"time"
)

// Decision is the outcome of admitting one callback delivery.
type Decision int

const (
	// Accept lets the event into the state machine.
	Accept Decision = iota
	// Duplicate means this logical event was already processed; replay the
	// cached response without re-executing side effects.
	Duplicate
	// OutOfOrder means a prerequisite event has not been observed yet; hold
	// the event briefly or drop it.
	OutOfOrder
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "ACCEPT"
	case Duplicate:
		return "DUPLICATE"
	case OutOfOrder:
		return "OUT_OF_ORDER"
	default:
		return "UNKNOWN"
	}
}

// prerequisites maps an event type to the event type that must have been
// processed first. Events without an entry are admissible at any time.
var prerequisites = map[string]string{
	"gather":           "answer",
	"recording-status": "answer",
}

type heldEvent struct {
	eventType string
	timer     *time.Timer
	fire      func()
}

type callRecord struct {
	nextSeq   int64
	seqByKey  map[string]int64
	processed map[int64]bool
	seenTypes map[string]bool
	responses map[int64]cachedResponse
	held      []*heldEvent
}

type cachedResponse struct {
	body    string
	savedAt time.Time
}

// Guard tracks per-call delivery state. It is in-memory by design: a replayed
// event that misses the cache after a restart is re-admitted and resolved
// against the durable session's lastEventSequence instead.
type Guard struct {
	mu          sync.Mutex
	calls       map[string]*callRecord
	cacheTTL    time.Duration
	holdTimeout time.Duration
	maxHeld     int
	now         func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithCacheTTL sets how long replay responses are retained.
func WithCacheTTL(d time.Duration) Option { return func(g *Guard) { g.cacheTTL = d } }

// WithHoldTimeout sets how long an out-of-order event is buffered before it
// is dropped.
func WithHoldTimeout(d time.Duration) Option { return func(g *Guard) { g.holdTimeout = d } }

// WithMaxHeld bounds the per-call out-of-order buffer.
func WithMaxHeld(n int) Option { return func(g *Guard) { g.maxHeld = n } }

// New constructs a Guard with short, webhook-retry-scale defaults.
func New(opts ...Option) *Guard {
	g := &Guard{
		calls:       make(map[string]*callRecord),
		cacheTTL:    5 * time.Minute,
		holdTimeout: 10 * time.Second,
		maxHeld:     8,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) record(callID string) *callRecord {
	rec, ok := g.calls[callID]
	if !ok {
		rec = &callRecord{
			nextSeq:   1,
			seqByKey:  make(map[string]int64),
			processed: make(map[int64]bool),
			seenTypes: make(map[string]bool),
			responses: make(map[int64]cachedResponse),
		}
		g.calls[callID] = rec
	}
	return rec
}

// Sequence returns the stable sequence number for a logical event. The
// provider does not attach a usable sequence to every callback, so arrival
// order assigns one; eventKey makes retried deliveries of the same logical
// event (same recording, same status notice) map back to the same number.
func (g *Guard) Sequence(callID, eventKey string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.record(callID)
	if seq, ok := rec.seqByKey[eventKey]; ok {
		return seq
	}
	seq := rec.nextSeq
	rec.nextSeq++
	rec.seqByKey[eventKey] = seq
	return seq
}

// Admit decides what to do with one delivery of (callID, seq, eventType).
func (g *Guard) Admit(callID string, seq int64, eventType string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.record(callID)

	if rec.processed[seq] {
		return Duplicate
	}
	if prereq, ok := prerequisites[eventType]; ok && !rec.seenTypes[prereq] {
		return OutOfOrder
	}
	return Accept
}

// MarkProcessed records that the event completed processing and releases any
// held events whose prerequisite it satisfies.
func (g *Guard) MarkProcessed(callID string, seq int64, eventType string) {
	g.mu.Lock()
	rec := g.record(callID)
	rec.processed[seq] = true
	rec.seenTypes[eventType] = true

	var release []*heldEvent
	var remain []*heldEvent
	for _, h := range rec.held {
		if prerequisites[h.eventType] == eventType {
			release = append(release, h)
		} else {
			remain = append(remain, h)
		}
	}
	rec.held = remain
	g.mu.Unlock()

	for _, h := range release {
		h.timer.Stop()
		go h.fire()
	}
}

// Hold buffers an out-of-order event until its prerequisite arrives or the
// hold timeout passes, whichever is first. fire is invoked at most once, on
// release. Returns false when the buffer is full and the event was dropped.
func (g *Guard) Hold(callID string, seq int64, eventType string, fire func()) bool {
	g.mu.Lock()
	rec := g.record(callID)
	if len(rec.held) >= g.maxHeld {
		g.mu.Unlock()
		log.Printf("guard: dropping out-of-order %s seq=%d call=%s: hold buffer full", eventType, seq, callID)
		return false
	}
	h := &heldEvent{eventType: eventType, fire: fire}
	h.timer = time.AfterFunc(g.holdTimeout, func() {
		g.drop(callID, h)
	})
	rec.held = append(rec.held, h)
	g.mu.Unlock()
	return true
}

func (g *Guard) drop(callID string, h *heldEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.calls[callID]
	if !ok {
		return
	}
	for i, held := range rec.held {
		if held == h {
			rec.held = append(rec.held[:i], rec.held[i+1:]...)
			log.Printf("guard: dropped held %s event for call %s: prerequisite never arrived", h.eventType, callID)
			return
		}
	}
}

// CacheResponse stores the response rendered for (callID, seq) so retried
// deliveries can be answered byte-for-byte without side effects.
func (g *Guard) CacheResponse(callID string, seq int64, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.record(callID)
	rec.responses[seq] = cachedResponse{body: body, savedAt: g.now()}
}

// CachedResponse returns the stored response for (callID, seq), if fresh.
func (g *Guard) CachedResponse(callID string, seq int64) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.calls[callID]
	if !ok {
		return "", false
	}
	c, ok := rec.responses[seq]
	if !ok || g.now().Sub(c.savedAt) > g.cacheTTL {
		return "", false
	}
	return c.body, true
}

// Forget drops all delivery state for a call. Called when the session reaches
// a terminal state; late retries then replay against the durable session.
func (g *Guard) Forget(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.calls[callID]; ok {
		for _, h := range rec.held {
			h.timer.Stop()
		}
		delete(g.calls, callID)
	}
}
