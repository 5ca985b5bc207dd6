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
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	itelemetry "trpc.group/trpc-go/trpc-agent-graph/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-graph/log"
	imetric "trpc.group/trpc-go/trpc-agent-graph/telemetry/metric"
)

const (
	defaultMaxSteps          = 1000
	defaultEventBufferSize   = 256
	defaultEventDrainTimeout = 5 * time.Second
)

// Executor executes a compiled graph. One Executor may run many threads
// concurrently; a single thread runs at most once at a time.
type Executor struct {
	graph               *Graph
	checkpointer        Checkpointer
	spawner             Spawner
	tools               ToolRegistry
	callbacks           *NodeCallbacks
	maxSteps            int
	defaultRetry        *RetryPolicy
	checkpointEveryStep bool
	eventHandler        func(ProgressEvent)
	eventBufferSize     int
	eventDrainTimeout   time.Duration
	maxParallel         int

	mu      sync.Mutex
	running map[string]*run

	nodeCounter  metric.Int64Counter
	retryCounter metric.Int64Counter
	runCounter   metric.Int64Counter
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// Checkpointer persists snapshots. Required for Resume.
	Checkpointer Checkpointer
	// Spawner runs sub-agents for agent nodes.
	Spawner Spawner
	// Tools resolves tools for tool nodes.
	Tools ToolRegistry
	// Callbacks run around every node attempt.
	Callbacks *NodeCallbacks
	// MaxSteps bounds the number of node visits per call (default: 1000).
	MaxSteps int
	// DefaultRetryPolicy applies to nodes without their own policy.
	DefaultRetryPolicy *RetryPolicy
	// CheckpointEveryStep saves a snapshot after every completed step and
	// at completion. Pauses are always saved.
	CheckpointEveryStep bool
	// EventHandler receives progress events of Execute and Resume
	// asynchronously. Events are dropped when its buffer is full.
	EventHandler func(ProgressEvent)
	// EventBufferSize is the buffer of the event handler (default: 256).
	EventBufferSize int
	// EventDrainTimeout bounds how long Execute and Resume wait for the
	// handler to consume buffered events before returning (default: 5s).
	// Events still buffered after that are delivered in the background.
	EventDrainTimeout time.Duration
	// MaxParallelBranches bounds concurrently running branches of one
	// parallel block. Zero means unbounded.
	MaxParallelBranches int
}

// WithCheckpointer sets the checkpoint backend.
func WithCheckpointer(cp Checkpointer) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Checkpointer = cp
	}
}

// WithSpawner sets the sub-agent spawner used by agent nodes.
func WithSpawner(s Spawner) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Spawner = s
	}
}

// WithToolRegistry sets the registry used by tool nodes.
func WithToolRegistry(tools ToolRegistry) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Tools = tools
	}
}

// WithNodeCallbacks sets callbacks run around every node attempt.
func WithNodeCallbacks(cb *NodeCallbacks) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Callbacks = cb
	}
}

// WithMaxSteps sets the maximum number of node visits per call.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithDefaultRetryPolicy sets the retry policy of nodes without one.
func WithDefaultRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(opts *ExecutorOptions) {
		p := policy
		opts.DefaultRetryPolicy = &p
	}
}

// WithCheckpointEveryStep enables a snapshot after every step.
func WithCheckpointEveryStep(enabled bool) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointEveryStep = enabled
	}
}

// WithEventHandler sets the asynchronous progress event sink. The handler
// runs on its own goroutine; a slow handler delays the return of Execute by
// at most the drain timeout.
func WithEventHandler(handler func(ProgressEvent)) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.EventHandler = handler
	}
}

// WithEventBufferSize sets the buffer size of the event sink.
func WithEventBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.EventBufferSize = size
	}
}

// WithEventDrainTimeout sets how long a finished run waits for the event
// handler to catch up.
func WithEventDrainTimeout(d time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.EventDrainTimeout = d
	}
}

// WithMaxParallelBranches bounds concurrently running parallel branches.
func WithMaxParallelBranches(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxParallelBranches = n
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, errors.New("graph is nil")
	}
	options := ExecutorOptions{
		MaxSteps:          defaultMaxSteps,
		EventBufferSize:   defaultEventBufferSize,
		EventDrainTimeout: defaultEventDrainTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxSteps <= 0 {
		options.MaxSteps = defaultMaxSteps
	}
	if options.EventBufferSize <= 0 {
		options.EventBufferSize = defaultEventBufferSize
	}
	if options.EventDrainTimeout <= 0 {
		options.EventDrainTimeout = defaultEventDrainTimeout
	}
	e := &Executor{
		graph:               g,
		checkpointer:        options.Checkpointer,
		spawner:             options.Spawner,
		tools:               options.Tools,
		callbacks:           options.Callbacks,
		maxSteps:            options.MaxSteps,
		defaultRetry:        options.DefaultRetryPolicy,
		checkpointEveryStep: options.CheckpointEveryStep,
		eventHandler:        options.EventHandler,
		eventBufferSize:     options.EventBufferSize,
		eventDrainTimeout:   options.EventDrainTimeout,
		maxParallel:         options.MaxParallelBranches,
		running:             make(map[string]*run),
	}
	var err error
	if e.nodeCounter, err = imetric.Meter.Int64Counter(itelemetry.MetricNodeExecutions); err != nil {
		return nil, fmt.Errorf("create node counter: %w", err)
	}
	if e.retryCounter, err = imetric.Meter.Int64Counter(itelemetry.MetricNodeRetries); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	if e.runCounter, err = imetric.Meter.Int64Counter(itelemetry.MetricRuns); err != nil {
		return nil, fmt.Errorf("create run counter: %w", err)
	}
	return e, nil
}

// Graph returns the executed graph.
func (e *Executor) Graph() *Graph {
	return e.graph
}

// child returns an executor for a nested graph sharing e's collaborators.
// It never checkpoints.
func (e *Executor) child(g *Graph) *Executor {
	return &Executor{
		graph:        g,
		spawner:      e.spawner,
		tools:        e.tools,
		callbacks:    e.callbacks,
		maxSteps:     e.maxSteps,
		defaultRetry: e.defaultRetry,
		maxParallel:  e.maxParallel,
		running:      make(map[string]*run),
		nodeCounter:  e.nodeCounter,
		retryCounter: e.retryCounter,
		runCounter:   e.runCounter,
	}
}

// Execute runs the graph from its entry point to a terminal status.
// An empty threadID is replaced by a generated one. The error is non-nil
// only when the run could not start; run failures are reported in Result.
func (e *Executor) Execute(ctx context.Context, threadID string, input State) (*Result, error) {
	r, err := e.freshRun(threadID, input)
	if err != nil {
		return nil, err
	}
	return e.runToEnd(ctx, r)
}

// Stream runs the graph like Execute but hands every progress event, step
// and the final Result to the caller as it ranges over the sequence. The
// run starts when ranging starts; stopping early cancels it. The sequence
// can be ranged once; later ranges yield a single ErrStreamConsumed item.
func (e *Executor) Stream(ctx context.Context, threadID string, input State) iter.Seq[StreamItem] {
	return e.stream(ctx, func() (*run, error) {
		return e.freshRun(threadID, input)
	})
}

// ResumeOption configures Resume.
type ResumeOption func(*resumeOptions)

type resumeOptions struct {
	label string
}

// WithResumeLabel resumes from a labeled snapshot instead of the latest.
func WithResumeLabel(label string) ResumeOption {
	return func(o *resumeOptions) {
		o.label = label
	}
}

// Resume reloads a thread's snapshot, merges value into its state and
// continues from the paused (or next) node. A map or State value merges as
// a partial update; other values merge under the paused Wait node's
// ResumeKey. The resumed node sees value through ExecutionContext.
func (e *Executor) Resume(ctx context.Context, threadID string, value any, opts ...ResumeOption) (*Result, error) {
	r, err := e.resumeRun(ctx, threadID, value, opts...)
	if err != nil {
		return nil, err
	}
	return e.runToEnd(ctx, r)
}

// ResumeStream is the streaming form of Resume.
func (e *Executor) ResumeStream(ctx context.Context, threadID string, value any, opts ...ResumeOption) iter.Seq[StreamItem] {
	return e.stream(ctx, func() (*run, error) {
		return e.resumeRun(ctx, threadID, value, opts...)
	})
}

// Cancel cooperatively cancels a running thread and every sub-agent its
// nodes spawned. It reports whether the thread was running.
func (e *Executor) Cancel(threadID string) bool {
	e.mu.Lock()
	r, ok := e.running[threadID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	agents := r.requestCancel()
	if e.spawner != nil {
		for _, id := range agents {
			e.spawner.Cancel(id)
		}
	}
	log.Infow("graph run cancel requested", "thread", threadID, "agents", len(agents))
	return true
}

func (e *Executor) runToEnd(ctx context.Context, r *run) (*Result, error) {
	if err := e.register(r); err != nil {
		return nil, err
	}
	defer e.unregister(r)
	em := newAsyncEmitter(e.eventHandler, e.eventBufferSize)
	defer em.close(e.eventDrainTimeout)
	r.emitter = em
	return r.execute(ctx, nil), nil
}

func (e *Executor) stream(ctx context.Context, prepare func() (*run, error)) iter.Seq[StreamItem] {
	var consumed atomic.Bool
	return func(yield func(StreamItem) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(StreamItem{Err: ErrStreamConsumed})
			return
		}
		r, err := prepare()
		if err != nil {
			yield(StreamItem{Err: err})
			return
		}
		if err := e.register(r); err != nil {
			yield(StreamItem{Err: err})
			return
		}
		defer e.unregister(r)
		r.emitter = &queueEmitter{}
		r.execute(ctx, yield)
	}
}

func (e *Executor) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[r.threadID]; busy {
		return fmt.Errorf("%w: %s", ErrThreadRunning, r.threadID)
	}
	e.running[r.threadID] = r
	return nil
}

func (e *Executor) unregister(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[r.threadID] == r {
		delete(e.running, r.threadID)
	}
}

func (e *Executor) newRun(threadID string) *run {
	r := &run{
		exec:     e,
		graph:    e.graph,
		threadID: threadID,
		loops:    make(map[string]int),
		report:   newDebugReport(threadID),
		agents:   make(map[string]struct{}),
		emitter:  nopEmitter{},
	}
	r.root = r
	return r
}

func (e *Executor) freshRun(threadID string, input State) (*run, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	schema := e.graph.Schema()
	if err := schema.ValidateUpdate(input); err != nil {
		return nil, err
	}
	r := e.newRun(threadID)
	r.state = schema.ApplyUpdate(schema.Initialize(), input)
	r.next = e.graph.EntryPoint()
	return r, nil
}

func (e *Executor) resumeRun(ctx context.Context, threadID string, value any, opts ...ResumeOption) (*run, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	if e.checkpointer == nil {
		return nil, ErrNoCheckpointer
	}
	var o resumeOptions
	for _, opt := range opts {
		opt(&o)
	}
	snap, err := e.checkpointer.Load(ctx, threadID, o.label)
	if err != nil {
		return nil, &CheckpointError{Op: "load", ThreadID: threadID, Label: o.label, Cause: err}
	}
	if snap == nil {
		return nil, &CheckpointError{Op: "load", ThreadID: threadID, Label: o.label, Cause: ErrCheckpointNotFound}
	}
	if snap.NextNodeID != "" {
		if _, ok := e.graph.Node(snap.NextNodeID); !ok {
			return nil, &CheckpointError{
				Op: "load", ThreadID: threadID, Label: snap.Label,
				Cause: fmt.Errorf("snapshot points at unknown node %s", snap.NextNodeID),
			}
		}
	}

	schema := e.graph.Schema()
	r := e.newRun(threadID)
	state := schema.Initialize()
	maps.Copy(state, snap.State.DeepClone())
	r.state = state
	r.next = snap.NextNodeID
	r.stepCount = snap.StepCount
	maps.Copy(r.loops, snap.LoopCounters)

	target := snap.PausedNodeID
	if target == "" {
		target = snap.NextNodeID
	}
	if value != nil {
		update, err := r.resumeUpdate(target, value)
		if err != nil {
			return nil, err
		}
		if update != nil {
			if err := schema.ValidateUpdate(update); err != nil {
				return nil, err
			}
			r.state = schema.ApplyUpdate(r.state, update)
		}
	}
	r.resume = &resumeInput{nodeID: target, value: value}
	log.Infow("graph run resuming", "thread", threadID, "label", snap.Label, "node", target)
	return r, nil
}

// resumeUpdate turns a resume value into a partial update for nodeID.
func (r *run) resumeUpdate(nodeID string, value any) (State, error) {
	if update, ok := asState(value); ok {
		return update, nil
	}
	if node, ok := r.graph.Node(nodeID); ok && node.wait != nil && node.wait.ResumeKey != "" {
		return State{node.wait.ResumeKey: value}, nil
	}
	return nil, nil
}

func asState(v any) (State, bool) {
	switch m := v.(type) {
	case State:
		return m, true
	case map[string]any:
		return State(m), true
	}
	return nil, false
}
