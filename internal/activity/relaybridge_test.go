package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agriha/controld/internal/broker"
)

type gateWrite struct {
	ch int
	on bool
}

type fakeGate struct {
	mu      sync.Mutex
	writes  []gateWrite
	refused bool
}

func (g *fakeGate) Gate(ch int, on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refused {
		return false
	}
	g.writes = append(g.writes, gateWrite{ch, on})
	return true
}

func (g *fakeGate) snapshot() []gateWrite {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateWrite(nil), g.writes...)
}

type fakeState struct {
	mu   sync.Mutex
	mask byte
}

func (s *fakeState) GetMask() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask, nil
}

type fakeSubscriber struct {
	handler broker.MessageHandler
}

func (s *fakeSubscriber) Subscribe(topic string, qos byte, handler broker.MessageHandler) broker.Token {
	s.handler = handler
	return &fakeToken{}
}

func TestChannelFromSetTopic(t *testing.T) {
	ch, err := channelFromSetTopic("agriha/house1/relay/3/set")
	if err != nil || ch != 3 {
		t.Fatalf("channelFromSetTopic = %d, %v, want 3, nil", ch, err)
	}
	if _, err := channelFromSetTopic("agriha/house1/relay/9/set"); err == nil {
		t.Fatalf("expected error for out-of-range channel")
	}
	if _, err := channelFromSetTopic("agriha/house1/relay/x/set"); err == nil {
		t.Fatalf("expected error for non-numeric channel")
	}
}

func TestRelayBridgeCommandsThroughGate(t *testing.T) {
	gate := &fakeGate{}
	state := &fakeState{}
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	b := NewRelayBridge(gate, state, sub, pub, "house1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	sub.handler("agriha/house1/relay/3/set", []byte(`{"value":1,"duration_sec":0,"reason":"manual"}`))

	writes := gate.snapshot()
	if len(writes) != 1 || writes[0].ch != 3 || !writes[0].on {
		t.Fatalf("writes = %v, want one write to channel 3 on", writes)
	}

	topics, _ := pub.snapshot()
	found := false
	for _, tp := range topics {
		if tp == "agriha/house1/relay/state" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a relay/state republish, got %v", topics)
	}
}

func TestRelayBridgeNewCommandSupersedesAutoOffTimer(t *testing.T) {
	gate := &fakeGate{}
	state := &fakeState{}
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	b := NewRelayBridge(gate, state, sub, pub, "house1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	// Scenario 5: set ch4 on with a long duration, then immediately off —
	// exactly one off-write should ever land, and the long timer must not
	// fire later.
	sub.handler("agriha/house1/relay/4/set", []byte(`{"value":1,"duration_sec":300}`))
	sub.handler("agriha/house1/relay/4/set", []byte(`{"value":0,"duration_sec":0}`))

	time.Sleep(20 * time.Millisecond)

	writes := gate.snapshot()
	offWrites := 0
	for _, w := range writes {
		if w.ch == 4 && !w.on {
			offWrites++
		}
	}
	if offWrites != 1 {
		t.Fatalf("expected exactly one off-write to channel 4, got %d (writes=%v)", offWrites, writes)
	}

	b.mu.Lock()
	_, pending := b.timers[4]
	b.mu.Unlock()
	if pending {
		t.Fatalf("the 300s auto-off timer for channel 4 is still pending after the off command")
	}
}

func TestRelayBridgeShortAutoOffFires(t *testing.T) {
	gate := &fakeGate{}
	state := &fakeState{}
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	b := NewRelayBridge(gate, state, sub, pub, "house1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	sub.handler("agriha/house1/relay/2/set", []byte(`{"value":1,"duration_sec":0.02}`))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		writes := gate.snapshot()
		offCount := 0
		for _, w := range writes {
			if w.ch == 2 && !w.on {
				offCount++
			}
		}
		if offCount == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("auto-off timer never fired for channel 2")
}

func TestRelayBridgeIgnoresOutOfRangeChannel(t *testing.T) {
	gate := &fakeGate{}
	state := &fakeState{}
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	b := NewRelayBridge(gate, state, sub, pub, "house1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	sub.handler("agriha/house1/relay/99/set", []byte(`{"value":1}`))

	if len(gate.snapshot()) != 0 {
		t.Fatalf("expected no gate writes for an out-of-range channel")
	}
}
