package eventbus

import (
	"testing"
	"time"

	"github.com/kilianp07/homeenergy/core/events"
)

func TestTypedBusPublishSubscribe(t *testing.T) {
	bus := NewTyped[events.ToggleRequested]()
	ch := bus.Subscribe()
	bus.Publish(events.ToggleRequested{ApplianceID: "washer", Desired: true})
	v := <-ch
	if v.ApplianceID != "washer" || !v.Desired {
		t.Fatalf("unexpected command %#v", v)
	}
	bus.Unsubscribe(ch)
}

func TestTypedBusDropsWhenFull(t *testing.T) {
	bus := NewTypedWithBuffer[int](1)
	ch := bus.Subscribe()
	bus.Publish(1)
	bus.Publish(2)
	if got := <-ch; got != 1 {
		t.Fatalf("expected first event, got %d", got)
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 drop got %d", bus.Dropped())
	}
}

func TestTypedBusSubscribeAfterClose(t *testing.T) {
	bus := NewTyped[float64]()
	bus.Close()
	ch := bus.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(ch)
}

func TestTypedBusReliableSubscriberGetsEveryEvent(t *testing.T) {
	bus := NewTypedWithBuffer[int](2)
	ch := bus.SubscribeReliable()
	lossy := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			bus.Publish(i)
		}
	}()
	for i := 0; i < 50; i++ {
		if got := <-ch; got != i {
			t.Fatalf("expected %d got %d", i, got)
		}
	}
	<-done
	if bus.Dropped() != 48 {
		t.Fatalf("expected 48 drops on the lossy subscriber got %d", bus.Dropped())
	}
	bus.Unsubscribe(lossy)
}

func TestTypedBusUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	bus := NewTypedWithBuffer[int](1)
	ch := bus.SubscribeReliable()
	bus.Publish(1)
	done := make(chan struct{})
	go func() {
		bus.Publish(2)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	bus.Unsubscribe(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
	if _, ok := <-ch; !ok {
		t.Fatalf("expected buffered event before close")
	}
}
