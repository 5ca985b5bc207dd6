//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"sync"
	"sync/atomic"
	"time"

	"trpc.group/trpc-go/trpc-agent-graph/log"
)

// emitter receives the progress events of a run. Implementations are safe
// for concurrent use.
type emitter interface {
	emit(ev ProgressEvent)
	// drain returns the events queued since the last call.
	drain() []ProgressEvent
}

type nopEmitter struct{}

func (nopEmitter) emit(ProgressEvent)     {}
func (nopEmitter) drain() []ProgressEvent { return nil }

// queueEmitter buffers events until the stream consumer pulls them.
type queueEmitter struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (q *queueEmitter) emit(ev ProgressEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

func (q *queueEmitter) drain() []ProgressEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// asyncEmitter hands events to a handler on its own goroutine. Events are
// dropped while the buffer is full.
type asyncEmitter struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan ProgressEvent
	done    chan struct{}
	dropped atomic.Int64
}

func newAsyncEmitter(handler func(ProgressEvent), size int) *asyncEmitter {
	a := &asyncEmitter{done: make(chan struct{})}
	if handler == nil {
		a.closed = true
		close(a.done)
		return a
	}
	a.ch = make(chan ProgressEvent, size)
	go func() {
		defer close(a.done)
		for ev := range a.ch {
			handler(ev)
		}
	}()
	return a
}

func (a *asyncEmitter) emit(ev ProgressEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *asyncEmitter) drain() []ProgressEvent { return nil }

// close stops accepting events and waits up to timeout for the handler to
// see every buffered one. Later events keep being delivered in the
// background.
func (a *asyncEmitter) close(timeout time.Duration) {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		log.Warnw("progress event handler is slow, not waiting for it", "timeout", timeout)
	}
	if dropped := a.dropped.Load(); dropped > 0 {
		log.Warnw("progress events dropped", "count", dropped)
	}
}
