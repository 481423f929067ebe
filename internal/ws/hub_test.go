package ws

import (
	"errors"
	"testing"
	"time"
)

type chanSubscriber struct {
	received chan []byte
	fail     bool
	closed   chan struct{}
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{received: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *chanSubscriber) Send(payload []byte) error {
	if c.fail {
		return errors.New("send failed")
	}
	c.received <- payload
	return nil
}

func (c *chanSubscriber) Close() { close(c.closed) }

func awaitPayload(t *testing.T, c *chanSubscriber) []byte {
	t.Helper()
	select {
	case payload := <-c.received:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for payload")
		return nil
	}
}

func assertNoPayload(t *testing.T, c *chanSubscriber) {
	t.Helper()
	select {
	case payload := <-c.received:
		t.Fatalf("unexpected payload %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastReachesNamedAndWildcard(t *testing.T) {
	hub := NewHub()
	named := newChanSubscriber()
	wildcard := newChanSubscriber()
	other := newChanSubscriber()
	hub.Register("api-tunnel", named)
	hub.Register("", wildcard)
	hub.Register("other-tunnel", other)

	hub.Broadcast("api-tunnel", []byte(`{"tunnel":"api-tunnel"}`))

	if got := string(awaitPayload(t, named)); got != `{"tunnel":"api-tunnel"}` {
		t.Fatalf("named subscriber got %q", got)
	}
	if got := string(awaitPayload(t, wildcard)); got != `{"tunnel":"api-tunnel"}` {
		t.Fatalf("wildcard subscriber got %q", got)
	}
	assertNoPayload(t, other)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := newChanSubscriber()
	hub.Register("api-tunnel", sub)
	hub.Broadcast("api-tunnel", []byte("one"))
	awaitPayload(t, sub)

	hub.Unregister("api-tunnel", sub)
	hub.Broadcast("api-tunnel", []byte("two"))
	assertNoPayload(t, sub)
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	broken := newChanSubscriber()
	broken.fail = true
	healthy := newChanSubscriber()
	hub.Register("api-tunnel", broken)
	hub.Register("api-tunnel", healthy)

	hub.Broadcast("api-tunnel", []byte("first"))
	awaitPayload(t, healthy)
	select {
	case <-broken.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("failing subscriber was not closed")
	}

	hub.Broadcast("api-tunnel", []byte("second"))
	awaitPayload(t, healthy)
}
