// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locks serializes access to each device. Every operation that opens a
// session to a device holds its lock for the whole operation, so at most one
// session per device exists at any time. Waiters are served in FIFO order.
type Locks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewLocks() *Locks {
	return &Locks{sems: make(map[string]*semaphore.Weighted)}
}

func (l *Locks) get(id string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[id] = sem
	}
	return sem
}

// Acquire blocks until the lock for id is held or ctx is done.
// The returned release func must be called exactly once.
func (l *Locks) Acquire(ctx context.Context, id string) (func(), error) {
	sem := l.get(id)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// TryAcquire takes the lock for id only if it is free.
func (l *Locks) TryAcquire(id string) (func(), bool) {
	sem := l.get(id)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}
