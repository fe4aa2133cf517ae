package conn

import (
	"testing"
	"time"

	"github.com/vterra/chirp/internal/bus"
)

func TestMachineStartsDisconnected(t *testing.T) {
	m := newMachine(nil)
	if got := m.Current(); got != Disconnected {
		t.Fatalf("initial state = %s", got)
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := newMachine(nil)

	if err := m.Transition(Connected); err == nil {
		t.Fatal("Disconnected -> Connected allowed")
	}
	if got := m.Current(); got != Disconnected {
		t.Fatalf("failed transition changed state to %s", got)
	}
}

func TestMachineWalksHappyPath(t *testing.T) {
	m := newMachine(nil)

	for _, s := range []State{Connecting, Connected, Reconnecting, Connected, Disconnected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestErrorIsLeftOnlyViaConnecting(t *testing.T) {
	m := newMachine(nil)
	_ = m.Transition(Connecting)
	if err := m.Transition(Error); err != nil {
		t.Fatalf("transition to Error: %v", err)
	}

	if err := m.Transition(Reconnecting); err == nil {
		t.Fatal("Error -> Reconnecting allowed")
	}
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("explicit retry from Error refused: %v", err)
	}
}

func TestMachinePublishesChanges(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("conn.", 16)
	defer sub.Cancel()

	m := newMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("transition: %v", err)
	}

	select {
	case evt := <-sub.C():
		sc, ok := evt.Payload.(StateChange)
		if !ok {
			t.Fatalf("unexpected payload %T", evt.Payload)
		}
		if sc.From != Disconnected || sc.To != Connecting {
			t.Fatalf("wrong change: %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change event published")
	}
}
