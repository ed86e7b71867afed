package qnode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// registry owns the shared overflow engine, every live channel, and
// the resource pools channels draw storages from. get_create/remove
// are the only mutators; everything else is read-only fan-out.
type registry struct {
	dir      string
	cfg      Config
	overflow *overflowEngine
	comp     *compressor
	metrics  *EngineMetrics
	logger   Logger

	channels map[string]*channel

	storagePool sync.Pool

	shuttingDown bool
}

func openRegistry(dir string, cfg Config, logger Logger, metrics *EngineMetrics) (*registry, error) {
	overflow, err := openOverflowEngine(dir, logger, metrics)
	if err != nil {
		return nil, err
	}
	comp, err := newCompressor(cfg.Compression)
	if err != nil {
		overflow.Close()
		return nil, err
	}

	r := &registry{
		dir:      dir,
		cfg:      cfg,
		overflow: overflow,
		comp:     comp,
		metrics:  metrics,
		logger:   logger,
		channels: make(map[string]*channel),
	}
	if err := r.startupScan(); err != nil {
		overflow.Close()
		comp.Close()
		return nil, err
	}
	return r, nil
}

// getOrCreateChannelObject returns (creating if absent) the bare
// *channel bookkeeping struct for name, without touching the overflow
// engine: used both by GetOrCreate and by the startup scan, which must
// attach storages to a channel object before any push/subscribe ever
// runs against it.
func (r *registry) getOrCreateChannelObject(name string) *channel {
	if c, ok := r.channels[name]; ok {
		return c
	}
	c := newChannel(name, r.cfg.ringCapacityFor(name), r.overflow, r.comp, r.metrics)
	c.acquire = r.acquireStorage
	c.release = r.releaseStorage
	r.channels[name] = c
	return c
}

// GetOrCreate returns the named channel, creating it if this is the
// first time it's been seen. Refuses once the registry is shutting
// down.
func (r *registry) GetOrCreate(name string) (*channel, error) {
	if r.shuttingDown {
		return nil, ErrShuttingDown
	}
	if c, ok := r.channels[name]; ok {
		return c, nil
	}
	if r.cfg.MaxTotalRingBytes > 0 {
		var total int64
		for _, c := range r.channels {
			total += int64(c.ringCapacity)
		}
		if total+int64(r.cfg.ringCapacityFor(name)) > r.cfg.MaxTotalRingBytes {
			return nil, fmt.Errorf("qnode: channel %q would exceed the configured total ring byte budget", name)
		}
	}
	return r.getOrCreateChannelObject(name), nil
}

// Lookup returns the named channel without creating it.
func (r *registry) Lookup(name string) (*channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}

// Remove resets the channel's storages (freeing them back to the
// pool), removes it from the overflow engine and the registry's
// dictionary.
func (r *registry) Remove(name string) error {
	c, ok := r.channels[name]
	if !ok {
		return nil
	}
	storages := c.Storages()
	if err := c.Reset(); err != nil {
		return err
	}
	for _, s := range storages {
		if err := r.overflow.Remove(s.id); err != nil {
			return err
		}
	}
	delete(r.channels, name)
	return nil
}

// Iterate calls fn once per live channel name.
func (r *registry) Iterate(fn func(name string, c *channel)) {
	for name, c := range r.channels {
		fn(name, c)
	}
}

// Flush drives the engine-wide durability barrier: flush the shared
// overflow engine once, then broadcast Flush to every channel's
// storages.
func (r *registry) Flush() error {
	if err := r.overflow.Flush(); err != nil {
		return err
	}
	for _, c := range r.channels {
		c.Flush()
	}
	return nil
}

// FlushData runs the frequent half of the flush cadence against the
// shared overflow engine, then broadcasts Flush to every channel.
func (r *registry) FlushData() error {
	if err := r.overflow.FlushData(); err != nil {
		return err
	}
	for _, c := range r.channels {
		c.Flush()
	}
	return nil
}

// WriteIndex runs the infrequent half of the flush cadence: rewriting
// the index file without touching the data file.
func (r *registry) WriteIndex() error {
	return r.overflow.FlushIndex()
}

// Close dumps every channel's memory rings to disk and closes the
// overflow engine, which writes a final index (or removes both files
// when it holds no records). It runs no Flush. Called once, at
// shutdown.
func (r *registry) Close() error {
	r.shuttingDown = true
	for _, c := range r.channels {
		if err := c.Close(r.dir); err != nil {
			r.logger.Error("registry: failed to close channel", "channel", c.name, "error", err)
		}
	}
	if err := r.overflow.Close(); err != nil {
		r.logger.Error("registry: failed to close overflow engine", "error", err)
	}
	r.comp.Close()
	return nil
}

func (r *registry) acquireStorage(id string, capacity int) *storage {
	for i := 0; i < 8; i++ {
		v := r.storagePool.Get()
		if v == nil {
			break
		}
		s := v.(*storage)
		if len(s.ring.data) != capacity {
			continue
		}
		s.id = id
		s.listeners = nil
		s.nextRR = 0
		s.detached = false
		return s
	}
	return newStorage(id, capacity, r.overflow, r.comp, r.metrics)
}

func (r *registry) releaseStorage(s *storage) {
	r.storagePool.Put(s)
}

// startupScan rebuilds channel/storage topology from the data
// directory: first from "<name>.rq" memory-ring dumps, then from
// whatever the overflow engine's own recovery found that no dump
// covered. Every loaded dump file is deleted once the scan succeeds so
// the next shutdown starts clean.
func (r *registry) startupScan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newFileError(r.dir, "readdir", err)
	}

	var loadedDumps []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".rq") {
			continue
		}
		storName := strings.TrimSuffix(ent.Name(), ".rq")
		if err := validateStorageName(storName); err != nil {
			return newStartupError("dump file %q has an invalid storage name: %v", ent.Name(), err)
		}
		subscriber, channelName, hasSubscriber := splitStorageName(storName)

		path := filepath.Join(r.dir, ent.Name())
		ring, err := loadDumpFile(path)
		if err != nil {
			return newFileError(path, "read", err)
		}

		c := r.getOrCreateChannelObject(channelName)
		if hasSubscriber {
			if err := c.loadSubscriberStorage(subscriber, ring); err != nil {
				return err
			}
		} else {
			if err := c.loadAnonymousStorage(ring); err != nil {
				return err
			}
		}
		loadedDumps = append(loadedDumps, path)
	}

	var attachErr error
	r.overflow.Iterate(func(name string, m *channelMeta) {
		if attachErr != nil {
			return
		}
		subscriber, channelName, hasSubscriber := splitStorageName(name)
		c := r.getOrCreateChannelObject(channelName)
		// Skip names already attached by the dump-file pass.
		if hasSubscriber {
			if c.state == channelSubscribed {
				if _, exists := c.subscribers[subscriber]; exists {
					return
				}
			}
		} else if c.state == channelAnonymous {
			return
		}
		if err := c.attachOverflowOnly(subscriber, hasSubscriber); err != nil {
			attachErr = err
		}
	})
	if attachErr != nil {
		return attachErr
	}

	for _, path := range loadedDumps {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return newFileError(path, "unlink", err)
		}
	}
	return nil
}

func loadDumpFile(path string) (*memRing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadMemRing(f)
}
