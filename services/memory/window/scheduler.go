// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package window

import (
	"log/slog"
	"sync"
	"time"
)

// EvictionScheduler periodically drops idle conversation windows.
//
// # Description
//
// A background ticker calls Manager.EvictIdle every CleanupInterval.
// Start and Stop are idempotent; RunNow triggers one scan synchronously
// regardless of whether the scheduler is running.
//
// # Thread Safety
//
// Safe for concurrent use.
type EvictionScheduler struct {
	manager  *Manager
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEvictionScheduler wires a scheduler over the manager using the
// manager's configured cleanup interval.
func NewEvictionScheduler(manager *Manager) *EvictionScheduler {
	return &EvictionScheduler{
		manager:  manager,
		interval: manager.cfg.CleanupInterval,
	}
}

// Start launches the background eviction loop. Calling Start on a running
// scheduler is a no-op.
func (s *EvictionScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.done)
	slog.Info("window eviction scheduler started", "interval", s.interval)
}

// Stop halts the loop and waits for it to exit. Calling Stop on a stopped
// scheduler is a no-op.
func (s *EvictionScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("window eviction scheduler stopped")
}

// IsRunning reports whether the loop is active.
func (s *EvictionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow performs one eviction scan synchronously.
func (s *EvictionScheduler) RunNow() int {
	return s.manager.EvictIdle()
}

func (s *EvictionScheduler) loop(done chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.manager.EvictIdle()
		case <-done:
			return
		}
	}
}
