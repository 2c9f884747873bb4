package relay

import (
	"context"
	"testing"
	"time"
)

func TestForwardDeliversEnvelope(t *testing.T) {
	ch := make(chan *Envelope, 1)
	env := &Envelope{ID: "e1", To: "aml", Kind: "prompt"}

	if !forward(context.Background(), ch, env) {
		t.Fatal("forward with buffer room must deliver")
	}
	select {
	case got := <-ch:
		if got.ID != "e1" {
			t.Fatalf("unexpected envelope %+v", got)
		}
	default:
		t.Fatal("envelope not on the channel")
	}
}

func TestForwardStopsOnCancelWithFullBuffer(t *testing.T) {
	ch := make(chan *Envelope, 1)
	ch <- &Envelope{ID: "stuck"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan bool, 1)
	go func() {
		done <- forward(ctx, ch, &Envelope{ID: "e2"})
	}()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("forward must report failure when cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("forward blocked on a full buffer despite cancellation")
	}
}
