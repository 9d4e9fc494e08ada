// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides a TTL response cache with in-flight request
// de-duplication, used to serve board snapshots without rebuilding them
// for every reader.
//
// The cache is an explicit service: it is constructed at serve time and
// Close() stops its background janitor. There are no package-level
// singletons.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config holds cache tuning parameters.
//
// # Fields
//
//   - TTL: How long an entry stays valid. Default: 5 seconds — long
//     enough to absorb reader stampedes, short enough that pollers see
//     fresh state without an explicit invalidation.
//   - SweepInterval: How often the janitor removes expired entries.
//     Default: 1 minute. Expired entries are also dropped lazily on read.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Second,
		SweepInterval: 1 * time.Minute,
	}
}

// entry is one cached value.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache is a TTL cache for encoded responses keyed by (document, variant).
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	flight  singleflight.Group

	done      chan struct{}
	janitorWG sync.WaitGroup
	closeOnce sync.Once
}

// New creates a started cache. Call Close() to stop the janitor.
func New(cfg Config, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	c.janitorWG.Add(1)
	go c.janitor()
	return c
}

// Key builds the cache key for a document variant. Variants keep the
// binary snapshot, JSON view and per-state-vector diffs from colliding.
func Key(docID, variant string) string {
	return docID + "|" + variant
}

// GetOrLoad returns the cached value for key, or invokes loader to
// produce it. Concurrent callers for the same key are collapsed into
// one loader invocation by singleflight. Loader errors are returned to
// every waiter and are not cached.
//
// # Outputs
//
//	[]byte - The value. Callers must not mutate it.
//	bool   - True when served from the entry map, or shared with
//	         another caller's in-flight load.
//	error  - The loader's error, if it ran and failed.
func (c *Cache) GetOrLoad(ctx context.Context, key string, loader func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.data, true, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	// Singleflight: only one load per key; waiters share the result.
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		data, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{data: data, expiresAt: time.Now().Add(c.cfg.TTL)}
		c.mu.Unlock()
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		// The load keeps running and populates the entry map for the
		// next caller; only this waiter gives up.
		return nil, false, ctx.Err()
	}
}

// Invalidate drops the entry for key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateDoc drops every variant cached for the document. Called on
// each appended update so readers never see a stale board past the TTL
// window they already accepted.
func (c *Cache) InvalidateDoc(docID string) {
	prefix := docID + "|"
	c.mu.Lock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of live entries (expired ones may linger until
// the next sweep).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.janitorWG.Wait()
	})
}

func (c *Cache) janitor() {
	defer c.janitorWG.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache sweep", slog.Int("removed", removed))
	}
}
