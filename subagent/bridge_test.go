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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSession replays scripted messages. When block is set it waits for
// release or ctx before closing the stream.
type mockSession struct {
	factory  *mockFactory
	msgs     []Message
	block    chan struct{}
	destroys atomic.Int32
}

func (s *mockSession) Stream(ctx context.Context, _ string) (<-chan Message, error) {
	ch := make(chan Message)
	go func() {
		defer close(ch)
		for _, m := range s.msgs {
			select {
			case ch <- m:
			case <-ctx.Done():
				return
			}
		}
		if s.block != nil {
			select {
			case <-s.block:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (s *mockSession) Destroy(context.Context) error {
	if s.destroys.Add(1) == 1 {
		s.factory.open.Add(-1)
	}
	return nil
}

// mockFactory counts simultaneously open sessions.
type mockFactory struct {
	open    atomic.Int32
	maxOpen atomic.Int32
	created atomic.Int32

	mu       sync.Mutex
	sessions []*mockSession
	script   func(cfg SessionConfig) ([]Message, chan struct{}, error)
}

func (f *mockFactory) create(_ context.Context, cfg SessionConfig) (Session, error) {
	var (
		msgs  []Message
		block chan struct{}
	)
	if f.script != nil {
		var err error
		msgs, block, err = f.script(cfg)
		if err != nil {
			return nil, err
		}
	}
	f.created.Add(1)
	n := f.open.Add(1)
	for {
		cur := f.maxOpen.Load()
		if n <= cur || f.maxOpen.CompareAndSwap(cur, n) {
			break
		}
	}
	s := &mockSession{factory: f, msgs: msgs, block: block}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *mockFactory) session(i int) *mockSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sessions) {
		return nil
	}
	return f.sessions[i]
}

func newTestBridge(t *testing.T, f *mockFactory, opts ...Option) *Bridge {
	t.Helper()
	b, err := NewBridge(f.create, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return b
}

func TestNewBridge_NilFactory(t *testing.T) {
	_, err := NewBridge(nil)
	require.Error(t, err)
}

func TestSpawn_AccumulatesTextAndTools(t *testing.T) {
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return []Message{
			{Type: MessageTypeText, Content: "hello "},
			{Type: MessageTypeToolUse, Content: "read_file", Metadata: map[string]any{"id": "t1"}},
			{Type: MessageTypeToolUse, Content: "read_file", Metadata: map[string]any{"id": "t1"}},
			{Type: MessageTypeToolUse, Content: "grep"},
			{Type: MessageTypeText, Content: "world"},
		}, nil, nil
	}}
	var (
		mu       sync.Mutex
		statuses []AgentStatus
	)
	b := newTestBridge(t, f, WithStatusCallback(func(s AgentStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}))

	res, err := b.Spawn(context.Background(), SpawnOptions{Name: "researcher", Task: "go"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "hello world", res.Output)
	assert.Equal(t, 2, res.ToolUses)
	assert.NotEmpty(t, res.AgentID)
	assert.Equal(t, int32(1), f.session(0).destroys.Load())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusPending, statuses[0].Status)
	assert.Equal(t, StatusRunning, statuses[1].Status)
	last := statuses[len(statuses)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, "hello world", last.Result)
	assert.Equal(t, 2, last.ToolUses)
	var tools []string
	for _, s := range statuses {
		if s.CurrentTool != "" {
			tools = append(tools, s.CurrentTool)
		}
	}
	assert.Equal(t, []string{"read_file", "grep"}, tools)
	for _, s := range statuses {
		assert.Equal(t, res.AgentID, s.AgentID)
	}
}

func TestSpawn_TruncatesStatusResult(t *testing.T) {
	long := strings.Repeat("é", 50)
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return []Message{{Type: MessageTypeText, Content: long}}, nil, nil
	}}
	var last atomic.Value
	b := newTestBridge(t, f, WithResultLimit(10), WithStatusCallback(func(s AgentStatus) {
		last.Store(s)
	}))
	res, err := b.Spawn(context.Background(), SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, long, res.Output)
	assert.Equal(t, strings.Repeat("é", 10), last.Load().(AgentStatus).Result)
}

func TestSpawn_CreateFailure(t *testing.T) {
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return nil, nil, errors.New("no model")
	}}
	b := newTestBridge(t, f)
	res, err := b.Spawn(context.Background(), SpawnOptions{AgentID: "a1"})
	require.NoError(t, err)
	require.False(t, res.Success)
	var se *SpawnError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, "a1", se.AgentID)
	assert.Contains(t, res.Error, "no model")

	running, queued := b.Active()
	assert.Zero(t, running)
	assert.Zero(t, queued)
}

func TestSpawn_StreamErrorMessage(t *testing.T) {
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return []Message{
			{Type: MessageTypeText, Content: "partial"},
			{Type: MessageTypeError, Content: "rate limited"},
		}, nil, nil
	}}
	b := newTestBridge(t, f)
	res, err := b.Spawn(context.Background(), SpawnOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "rate limited", res.Error)
	assert.Equal(t, "partial", res.Output)
	assert.Equal(t, int32(1), f.session(0).destroys.Load())
}

func TestSpawnParallel_RespectsConcurrencyCap(t *testing.T) {
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		time.Sleep(20 * time.Millisecond)
		return []Message{{Type: MessageTypeText, Content: "ok"}}, nil, nil
	}}
	b := newTestBridge(t, f, WithMaxConcurrent(2))

	results, err := b.SpawnParallel(context.Background(), []SpawnOptions{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.LessOrEqual(t, f.maxOpen.Load(), int32(2))
	assert.Equal(t, int32(3), f.created.Load())
	assert.Equal(t, int32(0), f.open.Load())
}

func TestSpawnParallel_SettlesAll(t *testing.T) {
	f := &mockFactory{script: func(cfg SessionConfig) ([]Message, chan struct{}, error) {
		if cfg.Name == "bad" {
			return nil, nil, errors.New("boom")
		}
		return []Message{{Type: MessageTypeText, Content: cfg.Name}}, nil, nil
	}}
	b := newTestBridge(t, f, WithMaxConcurrent(1))

	results, err := b.SpawnParallel(context.Background(), []SpawnOptions{
		{Name: "first"}, {Name: "bad"}, {Name: "last"},
	})
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, "first", results[0].Output)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, "last", results[2].Output)
}

func TestSpawnParallel_FIFOAdmission(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	f := &mockFactory{script: func(cfg SessionConfig) ([]Message, chan struct{}, error) {
		mu.Lock()
		order = append(order, cfg.Name)
		mu.Unlock()
		return nil, nil, nil
	}}
	b := newTestBridge(t, f, WithMaxConcurrent(1))

	var opts []SpawnOptions
	var want []string
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("agent-%d", i)
		opts = append(opts, SpawnOptions{Name: name})
		want = append(want, name)
	}
	_, err := b.SpawnParallel(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, want, order)
}

func TestCancel_RunningSession(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return []Message{{Type: MessageTypeText, Content: "working"}}, block, nil
	}}
	b := newTestBridge(t, f)

	h, err := b.Start(context.Background(), SpawnOptions{AgentID: "bg"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := b.Status("bg")
		return ok && s.Status == StatusBackground && f.session(0) != nil
	}, time.Second, 5*time.Millisecond)

	require.True(t, b.Cancel("bg"))
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CancelledMessage, res.Error)
	assert.Equal(t, int32(1), f.session(0).destroys.Load())
	assert.False(t, b.Cancel("bg"))
}

// closingSession closes its stream as soon as it is destroyed, so a cancel
// makes the closed stream and the done context ready together.
type closingSession struct {
	ch       chan Message
	once     sync.Once
	streamed chan struct{}
}

func (s *closingSession) Stream(context.Context, string) (<-chan Message, error) {
	close(s.streamed)
	return s.ch, nil
}

func (s *closingSession) Destroy(context.Context) error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

func TestCancel_ReportedWhenStreamClosesTogether(t *testing.T) {
	for i := 0; i < 200; i++ {
		sess := &closingSession{ch: make(chan Message), streamed: make(chan struct{})}
		b, err := NewBridge(func(context.Context, SessionConfig) (Session, error) { return sess, nil })
		require.NoError(t, err)

		h, err := b.Start(context.Background(), SpawnOptions{AgentID: "a"})
		require.NoError(t, err)
		<-sess.streamed
		require.True(t, b.Cancel("a"))

		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		require.False(t, res.Success, "iteration %d", i)
		require.Equal(t, CancelledMessage, res.Error, "iteration %d", i)
		require.NoError(t, b.Destroy(context.Background()))
	}
}

func TestCancel_QueuedRequest(t *testing.T) {
	block := make(chan struct{})
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return nil, block, nil
	}}
	var statuses sync.Map
	b := newTestBridge(t, f, WithMaxConcurrent(1), WithStatusCallback(func(s AgentStatus) {
		statuses.Store(s.AgentID+"/"+string(s.Status), true)
	}))

	first, err := b.Start(context.Background(), SpawnOptions{AgentID: "first"})
	require.NoError(t, err)
	queued, err := b.Start(context.Background(), SpawnOptions{AgentID: "queued"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, q := b.Active()
		return q == 1 && f.created.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, queued.Cancel())
	res, err := queued.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CancelledMessage, res.Error)
	assert.Equal(t, int32(1), f.created.Load())
	_, ran := statuses.Load("queued/" + string(StatusBackground))
	assert.False(t, ran)

	close(block)
	res, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSpawn_ContextTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return nil, block, nil
	}}
	b := newTestBridge(t, f)
	res, err := b.Spawn(context.Background(), SpawnOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), f.session(0).destroys.Load())
}

func TestSpawn_DuplicateAgentID(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return nil, block, nil
	}}
	b := newTestBridge(t, f)
	_, err := b.Start(context.Background(), SpawnOptions{AgentID: "dup"})
	require.NoError(t, err)
	_, err = b.Spawn(context.Background(), SpawnOptions{AgentID: "dup"})
	require.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestDestroy_RejectsAndCancels(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &mockFactory{script: func(SessionConfig) ([]Message, chan struct{}, error) {
		return nil, block, nil
	}}
	b, err := NewBridge(f.create)
	require.NoError(t, err)

	h, err := b.Start(context.Background(), SpawnOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.session(0) != nil }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Destroy(ctx))

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CancelledMessage, res.Error)
	assert.Equal(t, int32(1), f.session(0).destroys.Load())

	_, err = b.Spawn(context.Background(), SpawnOptions{})
	require.ErrorIs(t, err, ErrBridgeDestroyed)
	_, err = b.SpawnParallel(context.Background(), []SpawnOptions{{}})
	require.ErrorIs(t, err, ErrBridgeDestroyed)
	_, err = b.Start(context.Background(), SpawnOptions{})
	require.ErrorIs(t, err, ErrBridgeDestroyed)
	require.NoError(t, b.Destroy(context.Background()))
}

func TestAdmission_HandsSlotToOldestWaiter(t *testing.T) {
	a := newAdmission(1)
	first := a.enqueue()
	require.NoError(t, first.wait(context.Background()))

	second := a.enqueue()
	third := a.enqueue()
	active, queued := a.stats()
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, queued)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, second.wait(ctx), context.Canceled)

	a.release()
	require.NoError(t, third.wait(context.Background()))
	active, queued = a.stats()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, queued)
	a.release()
	active, _ = a.stats()
	assert.Equal(t, 0, active)
}
