package guard

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSequence_StablePerEventKey(t *testing.T) {
	g := New()
	first := g.Sequence("CA1", "RE111")
	retry := g.Sequence("CA1", "RE111")
	if first != retry {
		t.Fatalf("retried delivery got a new sequence: %d vs %d", first, retry)
	}
	next := g.Sequence("CA1", "RE222")
	if next <= first {
		t.Fatalf("sequence not monotonic: %d after %d", next, first)
	}
	other := g.Sequence("CA2", "RE111")
	if other != 1 {
		t.Fatalf("sequences not per-call: got %d", other)
	}
}

func TestAdmit_DuplicateAfterProcessed(t *testing.T) {
	g := New()
	seq := g.Sequence("CA1", "answered")
	if d := g.Admit("CA1", seq, "answer"); d != Accept {
		t.Fatalf("first delivery: %s", d)
	}
	g.MarkProcessed("CA1", seq, "answer")
	if d := g.Admit("CA1", seq, "answer"); d != Duplicate {
		t.Fatalf("retried delivery: %s, want DUPLICATE", d)
	}
}

func TestAdmit_OutOfOrderBeforePrerequisite(t *testing.T) {
	g := New()
	seq := g.Sequence("CA1", "RE111")
	if d := g.Admit("CA1", seq, "gather"); d != OutOfOrder {
		t.Fatalf("gather before answer: %s, want OUT_OF_ORDER", d)
	}

	ansSeq := g.Sequence("CA1", "answered")
	if d := g.Admit("CA1", ansSeq, "answer"); d != Accept {
		t.Fatalf("answer: %s", d)
	}
	g.MarkProcessed("CA1", ansSeq, "answer")

	if d := g.Admit("CA1", seq, "gather"); d != Accept {
		t.Fatalf("gather after answer: %s, want ACCEPT", d)
	}
}

func TestHold_ReleasedWhenPrerequisiteArrives(t *testing.T) {
	g := New(WithHoldTimeout(5 * time.Second))
	var fired int32
	seq := g.Sequence("CA1", "RE111")
	if !g.Hold("CA1", seq, "gather", func() { atomic.AddInt32(&fired, 1) }) {
		t.Fatalf("hold rejected")
	}

	ansSeq := g.Sequence("CA1", "answered")
	g.MarkProcessed("CA1", ansSeq, "answer")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&fired) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("held event not released")
	}
}

func TestHold_DroppedAfterTimeout(t *testing.T) {
	g := New(WithHoldTimeout(20 * time.Millisecond))
	var fired int32
	seq := g.Sequence("CA1", "RE111")
	g.Hold("CA1", seq, "gather", func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(80 * time.Millisecond)
	// Prerequisite arriving after the drop must not fire the stale event.
	g.MarkProcessed("CA1", g.Sequence("CA1", "answered"), "answer")
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("dropped event fired anyway")
	}
}

func TestHold_BufferBounded(t *testing.T) {
	g := New(WithMaxHeld(2))
	for i := 0; i < 2; i++ {
		if !g.Hold("CA1", int64(i+1), "gather", func() {}) {
			t.Fatalf("hold %d rejected below bound", i)
		}
	}
	if g.Hold("CA1", 3, "gather", func() {}) {
		t.Fatalf("hold accepted above bound")
	}
}

func TestResponseCache_ReplayAndTTL(t *testing.T) {
	g := New(WithCacheTTL(time.Minute))
	now := time.Now()
	g.now = func() time.Time { return now }

	g.CacheResponse("CA1", 5, "<Response/>")
	body, ok := g.CachedResponse("CA1", 5)
	if !ok || body != "<Response/>" {
		t.Fatalf("cached response missing: %q %v", body, ok)
	}
	if _, ok := g.CachedResponse("CA1", 6); ok {
		t.Fatalf("unexpected hit for unknown sequence")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := g.CachedResponse("CA1", 5); ok {
		t.Fatalf("expired response served")
	}
}

func TestForget_ClearsCallState(t *testing.T) {
	g := New()
	seq := g.Sequence("CA1", "answered")
	g.MarkProcessed("CA1", seq, "answer")
	g.CacheResponse("CA1", seq, "ok")
	g.Forget("CA1")

	if _, ok := g.CachedResponse("CA1", seq); ok {
		t.Fatalf("cache survived Forget")
	}
	if d := g.Admit("CA1", seq, "answer"); d != Accept {
		t.Fatalf("admit after forget: %s, want ACCEPT", d)
	}
}
