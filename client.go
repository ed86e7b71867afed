package qnode

import (
	"sync"
	"time"
)

// Engine is the top-level handle a host process opens once per data
// directory. It serializes every operation with a single mutex: the
// core beneath it assumes no concurrent entry, the same way a single
// cooperative event loop would, so Engine's lock is what makes it safe
// to call from more than one goroutine.
type Engine struct {
	mu sync.Mutex

	dir     string
	cfg     Config
	logger  Logger
	metrics EngineMetrics

	registry *registry

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// OpenEngine opens (creating if absent) the message-queue store at
// dir, recovering channel topology from whatever the directory already
// holds, and starts the periodic flush/index-flush background loops.
func OpenEngine(dir string, cfg Config) (*Engine, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	logger := createLogger(cfg.Log)

	e := &Engine{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	reg, err := openRegistry(dir, cfg, logger, &e.metrics)
	if err != nil {
		return nil, err
	}
	e.registry = reg
	e.startBackgroundLoops()
	return e, nil
}

func (e *Engine) startBackgroundLoops() {
	if e.cfg.Storage.FlushInterval > 0 {
		e.wg.Add(1)
		go e.flushLoop()
	}
	if e.cfg.Storage.IndexFlushInterval > 0 {
		e.wg.Add(1)
		go e.indexFlushLoop()
	}
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Storage.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			err := e.registry.FlushData()
			e.mu.Unlock()
			if err != nil {
				e.logger.Error("engine: periodic data flush failed", "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) indexFlushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Storage.IndexFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			err := e.registry.WriteIndex()
			e.mu.Unlock()
			if err != nil {
				e.logger.Error("engine: periodic index flush failed", "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// ChannelHandle is a thin, movable handle bound to a channel name. It
// always re-resolves the underlying channel through the engine's
// registry rather than caching a pointer, so it stays valid across
// promotions and removals.
type ChannelHandle struct {
	engine *Engine
	name   string
}

// GetChannel returns a handle to name, creating its backing channel
// object if this is the first time it's been seen.
func (e *Engine) GetChannel(name string) (*ChannelHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.registry.GetOrCreate(name); err != nil {
		return nil, err
	}
	return &ChannelHandle{engine: e, name: name}, nil
}

// Push fans payload out to every storage the channel currently has,
// promoting a reset channel to anonymous on first push.
func (h *ChannelHandle) Push(payload []byte) error {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	c, err := h.engine.registry.GetOrCreate(h.name)
	if err != nil {
		return err
	}
	return c.Push(payload)
}

// Pop performs the destructive single-consumer pop. ok is false if the
// channel has subscribers or is empty.
func (h *ChannelHandle) Pop() (payload []byte, ok bool, err error) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	c, exists := h.engine.registry.Lookup(h.name)
	if !exists {
		return nil, false, nil
	}
	return c.Pop()
}

// Subscribe returns a handle to subscriber's storage, promoting an
// anonymous channel to subscribed in place if necessary.
func (h *ChannelHandle) Subscribe(subscriber string) (*SubscriberHandle, error) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	c, err := h.engine.registry.GetOrCreate(h.name)
	if err != nil {
		return nil, err
	}
	s, err := c.Subscribe(subscriber)
	if err != nil {
		return nil, err
	}
	return &SubscriberHandle{engine: h.engine, channel: h.name, subscriber: subscriber, storage: s}, nil
}

// NumRecords sums the record count across every storage the channel
// currently has.
func (h *ChannelHandle) NumRecords() uint64 {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	c, exists := h.engine.registry.Lookup(h.name)
	if !exists {
		return 0
	}
	return c.NumRecords()
}

// NumBytes sums the payload byte count across every storage the
// channel currently has.
func (h *ChannelHandle) NumBytes() uint64 {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	c, exists := h.engine.registry.Lookup(h.name)
	if !exists {
		return 0
	}
	return c.NumBytes()
}

// Remove clears and detaches the channel; outstanding handles become
// inert (their operations act as if the channel had just been reset
// and then recreated).
func (h *ChannelHandle) Remove() error {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return h.engine.registry.Remove(h.name)
}

// SubscriberHandle is a thin handle to one subscriber's storage within
// a channel, as returned by ChannelHandle.Subscribe.
type SubscriberHandle struct {
	engine     *Engine
	channel    string
	subscriber string
	storage    *storage
}

// Pop removes and returns the subscriber's oldest record.
func (s *SubscriberHandle) Pop() (payload []byte, ok bool, err error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.storage.Pop()
}

// RegisterConsumer attaches l to this subscriber's notification
// rotation.
func (s *SubscriberHandle) RegisterConsumer(l Listener) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.storage.RegisterListener(l)
}

// UnregisterConsumer detaches l.
func (s *SubscriberHandle) UnregisterConsumer(l Listener) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.storage.UnregisterListener(l)
}

// Flush runs the full durability barrier: minimize the data file,
// rewrite the index, fdatasync. Records pushed since the previous
// Flush may be lost on crash.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Flush()
}

// WriteIndex rewrites the index file without touching the data file.
func (e *Engine) WriteIndex() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.WriteIndex()
}

// IterateChannelNames calls fn once per live channel name.
func (e *Engine) IterateChannelNames(fn func(name string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.Iterate(func(name string, c *channel) {
		fn(name)
	})
}

// Metrics returns a point-in-time snapshot of the engine's counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Close stops the background loops, dumps the memory rings, writes a
// final index, and closes the underlying files; it does not run Flush.
// Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Close()
}
