package pubsub

import "testing"

func TestBroker(t *testing.T) {
	b := New[string]("test")
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)

	b.Publish("connect")
	for _, ch := range []<-chan string{a, c} {
		if v := <-ch; v != "connect" {
			t.Errorf("got %q, want connect", v)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled channel still open")
	}
	if b.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", b.Subscribers())
	}

	b.Publish("change")
	if v := <-c; v != "change" {
		t.Errorf("got %q, want change", v)
	}

	b.Close()
	b.Close()
	if _, ok := <-c; ok {
		t.Error("channel open after Close")
	}
	cancelC()

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close is open")
	}
	b.Publish("ignored")
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New[int]("test")
	ch, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
	if v := <-ch; v != 0 {
		t.Errorf("kept %d, want the first value", v)
	}
}
