package qnode

import "fmt"

// channelState is the three-state lifecycle a channel moves through:
// reset (no storages) -> anonymous (one unnamed storage) ->
// subscribed (one storage per named subscriber, including the default
// "" subscriber promoted from the anonymous storage).
type channelState int

const (
	channelReset channelState = iota
	channelAnonymous
	channelSubscribed
)

// channel is the multi-storage view of a channel name: it owns either
// a single anonymous storage or a set of per-subscriber storages, never
// both, and drives the promotion from one to the other on first
// subscribe.
type channel struct {
	name         string
	ringCapacity int
	state        channelState

	anonymous   *storage
	subscribers map[string]*storage

	overflow *overflowEngine
	comp     *compressor
	metrics  *EngineMetrics

	// acquire, if set, obtains a storage from the registry's pool
	// instead of always allocating a fresh one.
	acquire func(id string, capacity int) *storage
	// release, if set, returns a cleared storage to the registry's pool
	// instead of letting it be garbage collected.
	release func(*storage)
}

// makeStorage obtains a storage for id, preferring the registry's pool
// when one is wired in.
func (c *channel) makeStorage(id string) *storage {
	if c.acquire != nil {
		return c.acquire(id, c.ringCapacity)
	}
	return newStorage(id, c.ringCapacity, c.overflow, c.comp, c.metrics)
}

func newChannel(name string, ringCapacity int, overflow *overflowEngine, comp *compressor, metrics *EngineMetrics) *channel {
	return &channel{
		name:         name,
		ringCapacity: ringCapacity,
		state:        channelReset,
		overflow:     overflow,
		comp:         comp,
		metrics:      metrics,
	}
}

// Push fans a payload out to every storage the channel currently has:
// the single anonymous storage, or every subscriber storage. A push to
// a reset channel promotes it to anonymous first.
func (c *channel) Push(payload []byte) error {
	switch c.state {
	case channelReset:
		c.anonymous = c.makeStorage(c.name)
		c.state = channelAnonymous
		return c.anonymous.Push(payload)
	case channelAnonymous:
		return c.anonymous.Push(payload)
	case channelSubscribed:
		for _, s := range c.subscribers {
			if err := s.Push(payload); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("qnode: unreachable channel state %d", c.state)
	}
}

// StorageUnlessSubscribed returns the anonymous storage, but only if
// the channel has no subscribers — the handle the destructive
// single-consumer Pop operates on.
func (c *channel) StorageUnlessSubscribed() *storage {
	if c.state == channelAnonymous {
		return c.anonymous
	}
	return nil
}

// Pop performs the destructive single-consumer pop against the
// anonymous storage. ok is false if the channel has subscribers or is
// empty.
func (c *channel) Pop() (payload []byte, ok bool, err error) {
	s := c.StorageUnlessSubscribed()
	if s == nil {
		return nil, false, nil
	}
	return s.Pop()
}

// Subscribe returns subscriber's storage, creating it (and promoting
// an anonymous channel in place, without moving any records) if
// necessary.
func (c *channel) Subscribe(subscriber string) (*storage, error) {
	switch c.state {
	case channelReset:
		s := c.makeStorage(storageName(subscriber, c.name))
		if _, err := c.overflow.GetOrCreate(s.id); err != nil {
			return nil, err
		}
		c.subscribers = map[string]*storage{subscriber: s}
		c.state = channelSubscribed
		return s, nil

	case channelAnonymous:
		promoted := c.anonymous
		if err := promoted.Rename(storageName("", c.name)); err != nil {
			return nil, err
		}
		c.anonymous = nil
		c.subscribers = map[string]*storage{"": promoted}
		c.state = channelSubscribed
		if subscriber == "" {
			return promoted, nil
		}
		return c.newSubscriberStorage(subscriber)

	case channelSubscribed:
		if s, ok := c.subscribers[subscriber]; ok {
			return s, nil
		}
		return c.newSubscriberStorage(subscriber)

	default:
		return nil, fmt.Errorf("qnode: unreachable channel state %d", c.state)
	}
}

func (c *channel) newSubscriberStorage(subscriber string) (*storage, error) {
	s := c.makeStorage(storageName(subscriber, c.name))
	if _, err := c.overflow.GetOrCreate(s.id); err != nil {
		return nil, err
	}
	c.subscribers[subscriber] = s
	return s, nil
}

// AddSubscriber attaches a subscriber storage discovered during startup
// recovery. rawName must already be a "subscriber@channel"-shaped
// storage name; a bare "channel" name, the shape a first Push gives the
// anonymous storage, is rejected, because a startup scan finding a bare
// name for a channel already known to have subscribers is itself an
// invariant violation, not a fresh anonymous storage. It returns
// (nil, nil) if that subscriber already exists.
func (c *channel) AddSubscriber(rawName string) (*storage, error) {
	if err := validateStorageName(rawName); err != nil {
		return nil, newStartupError("invalid subscriber storage name %q: %v", rawName, err)
	}
	subscriber, channelName, hasSubscriber := splitStorageName(rawName)
	if !hasSubscriber {
		return nil, newStartupError("add_subscriber requires a subscriber@channel name, got %q", rawName)
	}
	if channelName != c.name {
		return nil, newStartupError("add_subscriber channel mismatch: storage name names %q, channel is %q", channelName, c.name)
	}
	if c.state != channelSubscribed {
		return nil, newStartupError("add_subscriber requires channel %q to already have subscribers", c.name)
	}
	if _, exists := c.subscribers[subscriber]; exists {
		return nil, nil
	}
	s := c.makeStorage(rawName)
	c.subscribers[subscriber] = s
	return s, nil
}

// loadAnonymousStorage attaches a storage whose memory ring was loaded
// from a "<channel>.rq" dump file found during the startup scan.
func (c *channel) loadAnonymousStorage(ring *memRing) error {
	if c.state != channelReset {
		return newStartupError("channel %q: anonymous dump file found but channel is already subscribed", c.name)
	}
	c.anonymous = &storage{id: c.name, ring: ring, overflow: c.overflow, comp: c.comp, metrics: c.metrics}
	c.state = channelAnonymous
	return nil
}

// loadSubscriberStorage attaches a storage whose memory ring was loaded
// from a "<subscriber>@<channel>.rq" dump file found during the
// startup scan.
func (c *channel) loadSubscriberStorage(subscriber string, ring *memRing) error {
	switch c.state {
	case channelReset:
		c.subscribers = map[string]*storage{}
		c.state = channelSubscribed
	case channelSubscribed:
	default:
		return newStartupError("channel %q: subscriber dump file found but channel is anonymous", c.name)
	}
	if _, exists := c.subscribers[subscriber]; exists {
		return newStartupError("channel %q: duplicate dump file for subscriber %q", c.name, subscriber)
	}
	c.subscribers[subscriber] = &storage{id: storageName(subscriber, c.name), ring: ring, overflow: c.overflow, comp: c.comp, metrics: c.metrics}
	return nil
}

// attachOverflowOnly registers a storage for a name the overflow engine
// already knows about but no dump file covered, backed by a freshly
// allocated, empty memory ring.
func (c *channel) attachOverflowOnly(subscriber string, hasSubscriber bool) error {
	if !hasSubscriber {
		switch c.state {
		case channelReset:
			c.anonymous = c.makeStorage(c.name)
			c.state = channelAnonymous
			return nil
		case channelAnonymous:
			return nil
		default:
			return newStartupError("channel %q: overflow has an anonymous channel but it already has subscribers", c.name)
		}
	}
	switch c.state {
	case channelReset:
		c.subscribers = map[string]*storage{}
		c.state = channelSubscribed
	case channelSubscribed:
	default:
		return newStartupError("channel %q: overflow has subscriber %q but channel is anonymous", c.name, subscriber)
	}
	if _, exists := c.subscribers[subscriber]; exists {
		return nil
	}
	c.subscribers[subscriber] = c.makeStorage(storageName(subscriber, c.name))
	return nil
}

// Storages returns every live storage: zero or one in the anonymous
// state, zero or more in the subscribed state.
func (c *channel) Storages() []*storage {
	switch c.state {
	case channelAnonymous:
		if c.anonymous == nil {
			return nil
		}
		return []*storage{c.anonymous}
	case channelSubscribed:
		out := make([]*storage, 0, len(c.subscribers))
		for _, s := range c.subscribers {
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func (c *channel) NumRecords() uint64 {
	var n uint64
	for _, s := range c.Storages() {
		n += s.NumRecords()
	}
	return n
}

func (c *channel) NumBytes() uint64 {
	var n uint64
	for _, s := range c.Storages() {
		n += s.NumBytes()
	}
	return n
}

// Clear empties every storage without changing channel state or
// emitting Finish.
func (c *channel) Clear() error {
	for _, s := range c.Storages() {
		if err := s.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Flush broadcasts a Flush notification to every storage's listeners.
// The actual durability work runs once against the shared overflow
// engine before this is called.
func (c *channel) Flush() {
	for _, s := range c.Storages() {
		s.Flush()
	}
}

// Close dumps every storage's memory ring to disk.
func (c *channel) Close(dir string) error {
	for _, s := range c.Storages() {
		if err := s.Close(dir); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears every storage, broadcasts Finish on each, returns them
// to the registry's pool if one is configured, and returns the channel
// to the reset state.
func (c *channel) Reset() error {
	for _, s := range c.Storages() {
		if err := s.Reset(); err != nil {
			return err
		}
		if c.release != nil {
			c.release(s)
		}
	}
	c.anonymous = nil
	c.subscribers = nil
	c.state = channelReset
	return nil
}
