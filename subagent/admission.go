//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package subagent

import (
	"container/list"
	"context"
	"sync"
)

// admission hands out at most limit slots; waiters are admitted strictly in
// the order they enqueued.
type admission struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiters *list.List
}

type ticket struct {
	a        *admission
	ready    chan struct{}
	elem     *list.Element
	admitted bool
}

func newAdmission(limit int) *admission {
	if limit < 1 {
		limit = 1
	}
	return &admission{limit: limit, waiters: list.New()}
}

// enqueue takes a place in line. The ticket is admitted immediately when a
// slot is free and nobody is waiting.
func (a *admission) enqueue() *ticket {
	t := &ticket{a: a, ready: make(chan struct{})}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active < a.limit && a.waiters.Len() == 0 {
		a.active++
		t.admitted = true
		close(t.ready)
		return t
	}
	t.elem = a.waiters.PushBack(t)
	return t
}

// wait blocks until the ticket holds a slot or ctx is done. On error the
// ticket holds nothing.
func (t *ticket) wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	a := t.a
	a.mu.Lock()
	if t.admitted {
		a.mu.Unlock()
		a.release()
		return ctx.Err()
	}
	a.waiters.Remove(t.elem)
	a.mu.Unlock()
	return ctx.Err()
}

// release frees a slot, handing it to the oldest waiter if any.
func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if front := a.waiters.Front(); front != nil {
		t := a.waiters.Remove(front).(*ticket)
		t.admitted = true
		close(t.ready)
		return
	}
	if a.active > 0 {
		a.active--
	}
}

// stats returns the number of held slots and queued waiters.
func (a *admission) stats() (active, queued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.waiters.Len()
}
