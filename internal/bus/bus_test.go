package bus

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmitDeliversToSubscribedKind(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []Event
	b.Subscribe("t", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, KindToolCall)

	b.Emit(Event{Kind: KindToolCall, SessionID: "s1"})
	b.Emit(Event{Kind: KindLLMRequest, SessionID: "s1"}) // not subscribed

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != KindToolCall {
		t.Errorf("kind = %s, want tool_call", got[0].Kind)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New()

	b.Subscribe("bad", func(Event) { panic("boom") }, KindSystemEvent)

	var mu sync.Mutex
	count := 0
	b.Subscribe("good", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, KindSystemEvent)

	b.EmitSystem("heartbeat_started", "", nil)
	b.EmitSystem("heartbeat_completed", "", nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestPerHandlerFIFO(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var seq []int
	b.Subscribe("fifo", func(ev Event) {
		mu.Lock()
		seq = append(seq, ev.Payload["n"].(int))
		mu.Unlock()
	}, KindAgentResponse)

	for i := 0; i < 50; i++ {
		b.Emit(Event{Kind: KindAgentResponse, Payload: map[string]interface{}{"n": i}})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seq) == 50
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seq {
		if n != i {
			t.Fatalf("out of order at %d: got %d", i, n)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0
	b.Subscribe("u", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, KindLLMResponse)

	b.Emit(Event{Kind: KindLLMResponse})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	b.Unsubscribe("u")
	b.Emit(Event{Kind: KindLLMResponse})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d after unsubscribe, want 1", count)
	}
}
