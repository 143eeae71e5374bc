package eventstream

import (
	"testing"
	"time"

	"github.com/devkishan/fluxgate/internal/model"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	r := New()
	ch1, unregister1 := r.Register()
	defer unregister1()
	ch2, unregister2 := r.Register()
	defer unregister2()

	event := model.AccessLogEvent{Method: "GET", Path: "/a"}
	r.Broadcast(event)

	for _, ch := range []<-chan model.AccessLogEvent{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Path != "/a" {
				t.Fatalf("unexpected event: %#v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestUnregisterStopsDeliveryAndClosesChannel(t *testing.T) {
	r := New()
	ch, unregister := r.Register()
	unregister()

	r.Broadcast(model.AccessLogEvent{Path: "/a"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unregister")
	}
}

func TestBroadcastDoesNotBlockOnFullSubscriber(t *testing.T) {
	r := New()
	_, unregister := r.Register()
	defer unregister()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			r.Broadcast(model.AccessLogEvent{Path: "/a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber buffer")
	}
}

func TestSubscriberCount(t *testing.T) {
	r := New()
	if r.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers initially")
	}
	_, unregister := r.Register()
	if r.SubscriberCount() != 1 {
		t.Fatal("expected one subscriber after register")
	}
	unregister()
	if r.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers after unregister")
	}
}
