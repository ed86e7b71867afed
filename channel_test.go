package qnode

import "testing"

func newTestChannel(t *testing.T, overflow *overflowEngine, name string, capacity int) *channel {
	t.Helper()
	comp, err := newCompressor(CompressionConfig{MinCompressSize: 0})
	if err != nil {
		t.Fatalf("newCompressor() error = %v", err)
	}
	t.Cleanup(comp.Close)
	return newChannel(name, capacity, overflow, comp, nil)
}

func TestChannelPushPromotesResetToAnonymous(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	if c.state != channelReset {
		t.Fatalf("initial state = %v, want channelReset", c.state)
	}
	if err := c.Push([]byte("x")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if c.state != channelAnonymous {
		t.Errorf("state after first Push() = %v, want channelAnonymous", c.state)
	}
	got, ok, err := c.Pop()
	if err != nil || !ok || string(got) != "x" {
		t.Errorf("Pop() = (%q, %v, %v), want (x, true, nil)", got, ok, err)
	}
}

func TestChannelSubscribePromotesAnonymousInPlace(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	if err := c.Push([]byte("before-subscribe")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	s, err := c.Subscribe("worker")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if c.state != channelSubscribed {
		t.Errorf("state after Subscribe() = %v, want channelSubscribed", c.state)
	}
	if c.anonymous != nil {
		t.Error("anonymous storage still set after promotion")
	}

	// The default subscriber "" should see the record the anonymous
	// storage already held, and worker should start empty.
	defaultStorage, ok := c.subscribers[""]
	if !ok {
		t.Fatal("default subscriber \"\" missing after promotion")
	}
	got, ok, err := defaultStorage.Pop()
	if err != nil || !ok || string(got) != "before-subscribe" {
		t.Errorf("default subscriber Pop() = (%q, %v, %v), want the pre-promotion record", got, ok, err)
	}
	if _, ok, _ := s.Pop(); ok {
		t.Error("new subscriber has a record it should not have inherited")
	}
}

func TestChannelPushFansOutToAllSubscribers(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	if _, err := c.Subscribe("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe("b"); err != nil {
		t.Fatal(err)
	}
	if err := c.Push([]byte("broadcast")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	for _, name := range []string{"a", "b"} {
		s := c.subscribers[name]
		got, ok, err := s.Pop()
		if err != nil || !ok || string(got) != "broadcast" {
			t.Errorf("subscriber %q Pop() = (%q, %v, %v), want (broadcast, true, nil)", name, got, ok, err)
		}
	}
}

func TestChannelPopRefusesOnceSubscribed(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	if _, err := c.Subscribe("worker"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.Pop(); err != nil || ok {
		t.Errorf("Pop() on a subscribed channel = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestChannelAddSubscriberRequiresSubscribedState(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	if _, err := c.AddSubscriber("worker@orders"); err == nil {
		t.Error("AddSubscriber() on a reset channel, want error (channel has no subscribers yet)")
	}

	if _, err := c.Subscribe("existing"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddSubscriber("orders"); err == nil {
		t.Error("AddSubscriber() with a bare channel name on an already-subscribed channel, want error")
	}
	if _, err := c.AddSubscriber("late@invoices"); err == nil {
		t.Error("AddSubscriber() with a mismatched channel name, want error")
	}
	s, err := c.AddSubscriber("late@orders")
	if err != nil {
		t.Fatalf("AddSubscriber() with a valid name error = %v", err)
	}
	if s == nil {
		t.Fatal("AddSubscriber() returned nil storage for a new subscriber")
	}
	if _, ok := c.subscribers["late"]; !ok {
		t.Error("late subscriber not registered after AddSubscriber()")
	}

	again, err := c.AddSubscriber("late@orders")
	if err != nil {
		t.Fatalf("AddSubscriber() for an existing subscriber error = %v", err)
	}
	if again != nil {
		t.Error("AddSubscriber() for an existing subscriber returned non-nil, want nil (already exists)")
	}
}

func TestChannelResetReturnsToResetState(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	if _, err := c.Subscribe("worker"); err != nil {
		t.Fatal(err)
	}
	c.Push([]byte("x"))

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if c.state != channelReset {
		t.Errorf("state after Reset() = %v, want channelReset", c.state)
	}
	if len(c.Storages()) != 0 {
		t.Errorf("Storages() after Reset() = %v, want empty", c.Storages())
	}
}

func TestChannelNumRecordsAndBytes(t *testing.T) {
	overflow := newTestOverflowEngine(t)
	c := newTestChannel(t, overflow, "orders", 4096)

	c.Push([]byte("abc"))
	c.Push([]byte("de"))
	if got := c.NumRecords(); got != 2 {
		t.Errorf("NumRecords() = %d, want 2", got)
	}
	if got := c.NumBytes(); got == 0 {
		t.Error("NumBytes() = 0, want > 0")
	}
}
