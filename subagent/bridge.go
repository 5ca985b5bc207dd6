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
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	itelemetry "trpc.group/trpc-go/trpc-agent-graph/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-graph/log"
	imetric "trpc.group/trpc-go/trpc-agent-graph/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-graph/telemetry/trace"
)

const (
	defaultMaxConcurrent = 4
	defaultResultLimit   = 2000
)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	maxConcurrent  int
	statusCallback StatusCallback
	resultLimit    int
	poolSize       int
}

// WithMaxConcurrent caps the number of simultaneously open sessions.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		o.maxConcurrent = n
	}
}

// WithStatusCallback registers the status listener.
func WithStatusCallback(cb StatusCallback) Option {
	return func(o *options) {
		o.statusCallback = cb
	}
}

// WithResultLimit truncates the result reported in terminal statuses to n
// runes. The Result returned to the caller is never truncated.
func WithResultLimit(n int) Option {
	return func(o *options) {
		o.resultLimit = n
	}
}

// WithPoolSize bounds the goroutine pool running background and parallel
// spawns. Zero or less means unbounded. A bounded pool must be larger than
// the number of spawns queued at once, or queued spawns hold workers the
// admitted ones need.
func WithPoolSize(n int) Option {
	return func(o *options) {
		o.poolSize = n
	}
}

// Bridge spawns sub-agent sessions under a concurrency cap.
type Bridge struct {
	create CreateSessionFunc
	opts   options
	admit  *admission
	pool   *ants.Pool

	mu        sync.Mutex
	agents    map[string]*agent
	destroyed bool
	wg        sync.WaitGroup

	spawnCounter metric.Int64Counter
}

// NewBridge creates a bridge around a session factory.
func NewBridge(create CreateSessionFunc, opts ...Option) (*Bridge, error) {
	if create == nil {
		return nil, errors.New("subagent: session factory is nil")
	}
	o := options{
		maxConcurrent: defaultMaxConcurrent,
		resultLimit:   defaultResultLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConcurrent < 1 {
		o.maxConcurrent = defaultMaxConcurrent
	}
	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, fmt.Errorf("subagent: create worker pool: %w", err)
	}
	counter, err := imetric.Meter.Int64Counter(itelemetry.MetricSpawns)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("subagent: create spawn counter: %w", err)
	}
	return &Bridge{
		create:       create,
		opts:         o,
		admit:        newAdmission(o.maxConcurrent),
		pool:         pool,
		agents:       make(map[string]*agent),
		spawnCounter: counter,
	}, nil
}

// agent is the bridge-private record of one spawn.
type agent struct {
	id         string
	background bool
	cancel     context.CancelFunc

	mu        sync.Mutex
	status    AgentStatus
	session   Session
	cancelled bool

	destroyOnce sync.Once
}

func (a *agent) destroySession(ctx context.Context) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return
	}
	a.destroyOnce.Do(func() {
		if err := s.Destroy(context.WithoutCancel(ctx)); err != nil {
			log.Warnw("subagent session destroy failed", "agent", a.id, "err", err)
		}
	})
}

func (a *agent) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// interrupted returns the reason a has to stop early, or nil.
func (a *agent) interrupted(ctx context.Context) error {
	if a.isCancelled() {
		return ErrCancelled
	}
	return ctx.Err()
}

// register reserves an agent id and takes a place in the admission queue.
// The pending status is emitted before it returns.
func (b *Bridge) register(ctx context.Context, opts SpawnOptions, background bool) (*agent, *ticket, context.Context, error) {
	if opts.AgentID == "" {
		opts.AgentID = uuid.NewString()
	}
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, nil, nil, ErrBridgeDestroyed
	}
	if _, exists := b.agents[opts.AgentID]; exists {
		b.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, opts.AgentID)
	}
	actx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		var tcancel context.CancelFunc
		actx, tcancel = context.WithTimeout(actx, opts.Timeout)
		parent := cancel
		cancel = func() { tcancel(); parent() }
	}
	a := &agent{
		id:         opts.AgentID,
		background: background,
		cancel:     cancel,
		status: AgentStatus{
			AgentID: opts.AgentID,
			Name:    opts.Name,
			Status:  StatusPending,
		},
	}
	b.agents[a.id] = a
	b.wg.Add(1)
	b.mu.Unlock()

	b.notify(a, func(*AgentStatus) {})
	return a, b.admit.enqueue(), actx, nil
}

func (b *Bridge) unregister(a *agent) {
	b.mu.Lock()
	delete(b.agents, a.id)
	b.mu.Unlock()
	a.cancel()
	b.wg.Done()
}

// notify mutates a's status and hands a copy to the callback.
func (b *Bridge) notify(a *agent, mutate func(*AgentStatus)) {
	a.mu.Lock()
	mutate(&a.status)
	snapshot := a.status
	a.mu.Unlock()
	if b.opts.statusCallback != nil {
		b.opts.statusCallback(snapshot)
	}
}

// Spawn runs one sub-agent to completion in the calling goroutine. Failures
// of the agent are reported in the Result; the error is non-nil only when
// the spawn could not be registered.
func (b *Bridge) Spawn(ctx context.Context, opts SpawnOptions) (*Result, error) {
	a, t, actx, err := b.register(ctx, opts, false)
	if err != nil {
		return nil, err
	}
	opts.AgentID = a.id
	return b.run(actx, a, t, opts), nil
}

// SpawnParallel runs every request concurrently and waits for all of them.
// Requests are admitted in list order; one failure never affects siblings.
// Results keep the order of opts.
func (b *Bridge) SpawnParallel(ctx context.Context, opts []SpawnOptions) ([]*Result, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameSpawnParallel)
	defer span.End()
	span.SetAttributes(attribute.Int("trpc.go.agent.subagent.count", len(opts)))

	results := make([]*Result, len(opts))
	var wg sync.WaitGroup
	for i, o := range opts {
		a, t, actx, err := b.register(ctx, o, false)
		if err != nil {
			if errors.Is(err, ErrBridgeDestroyed) {
				wg.Wait()
				return results, err
			}
			results[i] = &Result{AgentID: o.AgentID, Error: err.Error(), Err: err}
			continue
		}
		o.AgentID = a.id
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = b.run(actx, a, t, o)
		}
		if err := b.pool.Submit(task); err != nil {
			go task()
		}
	}
	wg.Wait()
	return results, nil
}

// Handle tracks a background spawn.
type Handle struct {
	AgentID string
	bridge  *Bridge
	done    chan struct{}
	result  *Result
}

// Done is closed when the spawn finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the spawn finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the spawn.
func (h *Handle) Cancel() bool {
	return h.bridge.Cancel(h.AgentID)
}

// Start runs a spawn in the background, reported with status background.
func (b *Bridge) Start(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	a, t, actx, err := b.register(ctx, opts, true)
	if err != nil {
		return nil, err
	}
	opts.AgentID = a.id
	h := &Handle{AgentID: a.id, bridge: b, done: make(chan struct{})}
	task := func() {
		h.result = b.run(actx, a, t, opts)
		close(h.done)
	}
	if err := b.pool.Submit(task); err != nil {
		go task()
	}
	return h, nil
}

// Cancel cancels a queued or running agent. A running session is destroyed
// immediately. It reports whether the agent was known.
func (b *Bridge) Cancel(agentID string) bool {
	b.mu.Lock()
	a, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
	a.cancel()
	a.destroySession(context.Background())
	return true
}

// Status returns the current status of an unfinished agent.
func (b *Bridge) Status(agentID string) (AgentStatus, bool) {
	b.mu.Lock()
	a, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return AgentStatus{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, true
}

// Active returns the number of open sessions and queued requests.
func (b *Bridge) Active() (running, queued int) {
	return b.admit.stats()
}

// Destroy rejects future spawns, cancels every queued and running agent and
// waits for them to finish or for ctx to be done.
func (b *Bridge) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Cancel(id)
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.pool.Release()
	return nil
}

// run drives one admitted-or-queued agent to its terminal status.
func (b *Bridge) run(ctx context.Context, a *agent, t *ticket, opts SpawnOptions) *Result {
	defer b.unregister(a)
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewSpawnSpanName(opts.Name))
	defer span.End()
	itelemetry.TraceSpawn(span, a.id, opts.Name, a.background)

	started := time.Now()
	res := &Result{AgentID: a.id}
	finish := func(output string, toolUses int, err error) *Result {
		res.Output = output
		res.ToolUses = toolUses
		res.Duration = time.Since(started)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
			if errors.Is(err, ErrCancelled) {
				res.Error = CancelledMessage
			}
			span.SetStatus(codes.Error, res.Error)
		} else {
			res.Success = true
		}
		b.notify(a, func(s *AgentStatus) {
			s.Duration = res.Duration
			s.ToolUses = toolUses
			s.CurrentTool = ""
			if res.Success {
				s.Status = StatusCompleted
				s.Result = truncate(output, b.opts.resultLimit)
			} else {
				s.Status = StatusError
				s.Error = res.Error
			}
		})
		status := StatusCompleted
		if !res.Success {
			status = StatusError
		}
		b.spawnCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String(itelemetry.KeyStatus, string(status)),
		))
		span.SetAttributes(attribute.Int(itelemetry.KeyToolUses, toolUses))
		log.Debugw("subagent finished", "agent", a.id, "success", res.Success, "tool_uses", toolUses)
		return res
	}

	if err := t.wait(ctx); err != nil {
		return finish("", 0, b.failure(ctx, a, err))
	}
	defer b.admit.release()

	running := StatusRunning
	if a.background {
		running = StatusBackground
	}
	b.notify(a, func(s *AgentStatus) {
		s.Status = running
		s.StartedAt = time.Now()
	})
	if a.isCancelled() {
		return finish("", 0, ErrCancelled)
	}

	session, err := b.create(ctx, SessionConfig{
		AgentID:      a.id,
		Name:         opts.Name,
		SystemPrompt: opts.SystemPrompt,
		Model:        opts.Model,
		Tools:        opts.Tools,
	})
	if err != nil {
		return finish("", 0, b.failure(ctx, a, &SpawnError{AgentID: a.id, Cause: err}))
	}
	a.mu.Lock()
	a.session = session
	cancelled := a.cancelled
	a.mu.Unlock()
	defer a.destroySession(ctx)
	if cancelled {
		return finish("", 0, ErrCancelled)
	}

	stream, err := session.Stream(ctx, opts.Task)
	if err != nil {
		return finish("", 0, b.failure(ctx, a, &SpawnError{AgentID: a.id, Cause: err}))
	}
	output, toolUses, err := b.consume(ctx, a, stream)
	if err == nil {
		err = a.interrupted(ctx)
	}
	if err != nil {
		err = b.failure(ctx, a, err)
	}
	return finish(output, toolUses, err)
}

// consume reads the stream until it closes or ctx is done.
func (b *Bridge) consume(ctx context.Context, a *agent, stream <-chan Message) (string, int, error) {
	var (
		text     strings.Builder
		toolUses int
		seen     = make(map[string]struct{})
		streamed error
	)
	for {
		select {
		case <-ctx.Done():
			return text.String(), toolUses, ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				// Destroying a cancelled session closes its stream too.
				if err := a.interrupted(ctx); err != nil {
					return text.String(), toolUses, err
				}
				return text.String(), toolUses, streamed
			}
			switch msg.Type {
			case MessageTypeText:
				text.WriteString(msg.Content)
			case MessageTypeToolUse:
				if id, ok := metadataString(msg.Metadata, MetadataKeyID); ok {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
				}
				toolUses++
				tool := msg.Content
				if name, ok := metadataString(msg.Metadata, MetadataKeyName); ok {
					tool = name
				}
				count := toolUses
				b.notify(a, func(s *AgentStatus) {
					s.ToolUses = count
					s.CurrentTool = tool
				})
			case MessageTypeError:
				streamed = errors.New(msg.Content)
			}
		}
	}
}

// failure maps err to ErrCancelled when the agent was cancelled through the
// bridge or its context was cancelled.
func (b *Bridge) failure(ctx context.Context, a *agent, err error) error {
	if a.isCancelled() || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return err
}

func metadataString(md map[string]any, key string) (string, bool) {
	if md == nil {
		return "", false
	}
	v, ok := md[key]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	return s, s != ""
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
