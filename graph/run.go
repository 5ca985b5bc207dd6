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
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	itelemetry "trpc.group/trpc-go/trpc-agent-graph/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-graph/log"
	"trpc.group/trpc-go/trpc-agent-graph/telemetry/trace"
)

// resumeInput is handed to the first node executed after a Resume.
type resumeInput struct {
	nodeID string
	value  any
}

// run is the mutable state of one Execute, Stream or Resume call.
type run struct {
	exec     *Executor
	graph    *Graph
	threadID string
	root     *run

	state     State
	next      string
	stepCount int
	visits    int
	loops     map[string]int
	resume    *resumeInput
	report    *DebugReport
	started   time.Time
	emitter   emitter

	// record keeps every applied update so a subgraph can replay them
	// through its parent's reducers.
	record  bool
	updates []State

	mu              sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool
	agents          map[string]struct{}
}

// nodeOutcome is the result of running one node with its retries.
type nodeOutcome struct {
	updates    []State
	signals    []Signal
	attempts   int
	err        error
	structural bool
	// steps lists nodes completed inside a parallel block.
	steps []timedStep
}

type timedStep struct {
	nodeID   string
	duration time.Duration
}

func (r *run) trackAgent(id string) {
	root := r.root
	root.mu.Lock()
	defer root.mu.Unlock()
	root.agents[id] = struct{}{}
}

func (r *run) untrackAgent(id string) {
	root := r.root
	root.mu.Lock()
	defer root.mu.Unlock()
	delete(root.agents, id)
}

// requestCancel cancels the run and returns the sub-agents in flight.
func (r *run) requestCancel() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelRequested = true
	if r.cancel != nil {
		r.cancel()
	}
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

func (r *run) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	if r.cancelRequested {
		cancel()
	}
}

func (r *run) emit(typ EventType, nodeID string, data map[string]any) {
	r.emitter.emit(ProgressEvent{
		Type:      typ,
		ThreadID:  r.threadID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// execute drives the run to a terminal status. With a non-nil yield the
// queued events, every step and the final result are handed to it.
func (r *run) execute(ctx context.Context, yield func(StreamItem) bool) *Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.setCancel(cancel)

	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameRun)
	defer span.End()
	span.SetAttributes(attribute.String(itelemetry.KeyThreadID, r.threadID))
	r.started = time.Now()

	stopped := yield == nil
	flush := func() bool {
		for _, ev := range r.emitter.drain() {
			if !yield(StreamItem{Event: &ev}) {
				return false
			}
		}
		return true
	}
	for {
		sr, res := r.step(ctx)
		if !stopped && (!flush() || (sr != nil && !yield(StreamItem{Step: sr}))) {
			stopped = true
			cancel()
		}
		if res == nil {
			continue
		}
		itelemetry.TraceRunResult(span, string(res.Status), res.Report.StepCount)
		if res.Status == StatusFailed {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		if !stopped && flush() {
			yield(StreamItem{Result: res})
		}
		return res
	}
}

// step executes the node at r.next. It returns a StepResult for completed
// non-structural nodes and a Result once the run is terminal.
func (r *run) step(ctx context.Context) (*StepResult, *Result) {
	if r.next == "" || r.next == End {
		return nil, r.finish(ctx, StatusCompleted, nil)
	}
	if ctx.Err() != nil {
		return nil, r.finish(ctx, StatusCancelled, ErrCancelled)
	}
	r.visits++
	if r.visits > r.exec.maxSteps {
		return nil, r.fail(ctx, &ExecutionError{
			Type: ErrorTypeMaxSteps, NodeID: r.next, Cause: ErrMaxStepsExceeded,
		})
	}
	node, ok := r.graph.Node(r.next)
	if !ok {
		return nil, r.fail(ctx, &ExecutionError{
			Type: ErrorTypeInvalidNode, NodeID: r.next, Cause: fmt.Errorf("node %s not found", r.next),
		})
	}
	resume := r.resume
	r.resume = nil
	if resume != nil && resume.nodeID != node.ID {
		resume = nil
	}

	start := time.Now()
	out := r.runNode(ctx, node, r.state, r.loops, resume)
	duration := time.Since(start)
	r.recordSteps(out.steps)

	if out.err != nil {
		r.apply(out.updates)
		if ctx.Err() != nil {
			return nil, r.finish(ctx, StatusCancelled, ErrCancelled)
		}
		if handler, ok := r.graph.CatchHandler(node.ID); ok {
			log.Warnw("node failed, routing to catch handler",
				"thread", r.threadID, "node", node.ID, "handler", handler, "error", out.err)
			r.apply([]State{{StateKeyLastError: newNodeErrorInfo(node.ID, out.attempts, out.err)}})
			r.next = handler
			return nil, nil
		}
		return nil, r.fail(ctx, nodeFailure(node, out))
	}

	if p, ok := findSignal[PauseSignal](out.signals); ok {
		return nil, r.pause(ctx, node, p.Reason)
	}
	r.apply(out.updates)

	next, err := r.route(ctx, node, r.state, r.loops)
	if err != nil {
		return nil, r.fail(ctx, routeFailure(node, err))
	}
	r.next = next

	var sr *StepResult
	if !out.structural {
		r.stepCount++
		r.report.record(node.ID, duration)
		sr = &StepResult{
			NodeID:   node.ID,
			Step:     r.stepCount,
			Attempts: out.attempts,
			Update:   combine(out.updates),
			Duration: duration,
			Next:     next,
		}
		if r.exec.checkpointEveryStep {
			_ = r.checkpoint(ctx, StepLabel(r.stepCount), "", "")
		}
	}
	if _, ok := findSignal[CancelSignal](out.signals); ok {
		r.emit(EventSignal, node.ID, map[string]any{EventDataSignal: string(SignalKindCancel)})
		return sr, r.finish(ctx, StatusCancelled, ErrCancelled)
	}
	return sr, nil
}

func (r *run) recordSteps(steps []timedStep) {
	for _, s := range steps {
		r.stepCount++
		r.report.record(s.nodeID, s.duration)
	}
}

// apply folds updates into the run state through the schema reducers.
func (r *run) apply(updates []State) {
	schema := r.graph.Schema()
	for _, u := range updates {
		if len(u) == 0 {
			continue
		}
		r.state = schema.ApplyUpdate(r.state, u)
		if r.record {
			r.updates = append(r.updates, u)
		}
	}
}

// runNode runs a node of any type against state.
func (r *run) runNode(
	ctx context.Context,
	node *Node,
	state State,
	loops map[string]int,
	resume *resumeInput,
) nodeOutcome {
	switch {
	case node.Type == NodeTypeParallel:
		return r.runParallel(ctx, node, state)
	case node.Type == NodeTypeDecision && node.Function == nil:
		return nodeOutcome{structural: true, attempts: 1}
	}
	return r.runWithRetry(ctx, node, state, loops, resume)
}

func (r *run) policyFor(node *Node) *RetryPolicy {
	if p := node.RetryPolicy(); p != nil {
		return p
	}
	return r.exec.defaultRetry
}

func (r *run) runWithRetry(
	ctx context.Context,
	node *Node,
	state State,
	loops map[string]int,
	resume *resumeInput,
) nodeOutcome {
	policy := r.policyFor(node)
	began := time.Now()
	nodeAttr := metric.WithAttributes(attribute.String(itelemetry.KeyNodeID, node.ID))
	for attempt := 1; ; attempt++ {
		r.emit(EventNodeEnter, node.ID, map[string]any{EventDataAttempt: attempt})
		attemptStart := time.Now()
		updates, signals, err := r.attempt(ctx, node, state, loops, resume, attempt, policy)
		if err == nil {
			r.exec.nodeCounter.Add(ctx, 1, nodeAttr,
				metric.WithAttributes(attribute.String(itelemetry.KeyStatus, "ok")))
			r.emit(EventNodeExit, node.ID, map[string]any{
				EventDataAttempt:  attempt,
				EventDataDuration: time.Since(attemptStart),
			})
			return nodeOutcome{updates: updates, signals: signals, attempts: attempt}
		}
		r.exec.nodeCounter.Add(ctx, 1, nodeAttr,
			metric.WithAttributes(attribute.String(itelemetry.KeyStatus, "error")))

		done := policy == nil || attempt >= policy.attempts() || !policy.ShouldRetry(err) || ctx.Err() != nil
		var delay time.Duration
		if !done {
			delay = policy.NextDelay(attempt)
			if policy.MaxElapsedTime > 0 && time.Since(began)+delay > policy.MaxElapsedTime {
				done = true
			}
		}
		if done {
			r.emit(EventNodeExit, node.ID, map[string]any{
				EventDataAttempt:  attempt,
				EventDataDuration: time.Since(attemptStart),
				EventDataError:    err.Error(),
			})
			return nodeOutcome{attempts: attempt, err: err}
		}

		r.exec.retryCounter.Add(ctx, 1, nodeAttr)
		r.emit(EventRetry, node.ID, map[string]any{
			EventDataAttempt: attempt,
			EventDataDelay:   delay,
			EventDataError:   err.Error(),
		})
		log.Warnw("node attempt failed, retrying",
			"thread", r.threadID, "node", node.ID, "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nodeOutcome{attempts: attempt, err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// attempt runs a node function once and interprets what it returned.
func (r *run) attempt(
	ctx context.Context,
	node *Node,
	state State,
	loops map[string]int,
	resume *resumeInput,
	attempt int,
	policy *RetryPolicy,
) (updates []State, signals []Signal, err error) {
	timeout := node.timeout
	if policy != nil && policy.PerAttemptTimeout > 0 {
		timeout = policy.PerAttemptTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewNodeSpanName(node.ID))
	defer span.End()
	itelemetry.TraceNode(span, r.threadID, node.ID, string(node.Type), attempt)

	ec := &ExecutionContext{
		ThreadID:     r.threadID,
		NodeID:       node.ID,
		Attempt:      attempt,
		StepCount:    r.stepCount,
		loopCounters: loops,
		run:          r,
	}
	if resume != nil {
		ec.resumed = true
		ec.resumeValue = resume.value
	}
	cbCtx := &NodeCallbackContext{
		ThreadID:           r.threadID,
		NodeID:             node.ID,
		NodeName:           node.Name,
		NodeType:           node.Type,
		StepNumber:         r.stepCount,
		Attempt:            attempt,
		ExecutionStartTime: time.Now(),
	}
	input := state.Clone()

	defer func() {
		if p := recover(); p != nil {
			updates, signals = nil, nil
			err = fmt.Errorf("node %s panicked: %v", node.ID, p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.exec.callbacks.runOnNodeError(ctx, cbCtx, input, err)
		}
	}()

	result, err := r.exec.callbacks.runBeforeNode(ctx, cbCtx, input)
	if err == nil && result == nil {
		if node.subgraph != nil {
			result, err = r.runSubgraph(ctx, node, input)
		} else {
			result, err = node.Function(ctx, input, ec)
		}
		result, err = r.exec.callbacks.runAfterNode(ctx, cbCtx, input, result, err)
	}
	if err != nil {
		return nil, nil, err
	}
	updates, signals, err = r.interpret(node, result)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range ec.signals {
		u, more, err := r.interpretSignal(node, s)
		if err != nil {
			return nil, nil, err
		}
		updates = append(updates, u...)
		signals = append(signals, more...)
	}
	schema := r.graph.Schema()
	for _, u := range updates {
		if err := schema.ValidateUpdate(u); err != nil {
			var sve *SchemaValidationError
			if errors.As(err, &sve) {
				sve.NodeID = node.ID
			}
			return nil, nil, err
		}
	}
	return updates, signals, nil
}

// interpret maps a node result onto partial updates and signals.
func (r *run) interpret(node *Node, result any) ([]State, []Signal, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil, nil
	case State:
		return []State{v}, nil, nil
	case map[string]any:
		return []State{State(v)}, nil, nil
	case []State:
		return v, nil, nil
	case Signal:
		return r.interpretSignal(node, v)
	default:
		return nil, nil, fmt.Errorf("node %s returned unsupported result type %T", node.ID, result)
	}
}

func (r *run) interpretSignal(node *Node, s Signal) ([]State, []Signal, error) {
	switch sig := s.(type) {
	case ErrorSignal:
		if sig.Cause == nil {
			return nil, nil, fmt.Errorf("node %s signalled an error", node.ID)
		}
		return nil, nil, sig.Cause
	case ResumeSignal:
		update, _ := r.resumeUpdate(node.ID, sig.Value)
		if update == nil && sig.Value != nil {
			log.Debugw("resume signal value ignored", "thread", r.threadID, "node", node.ID)
			return nil, nil, nil
		}
		return []State{update}, nil, nil
	default:
		return nil, []Signal{s}, nil
	}
}

// route picks the next node after node completed against state.
func (r *run) route(ctx context.Context, node *Node, state State, loops map[string]int) (string, error) {
	if node.parallel != nil {
		return node.parallel.Join, nil
	}
	edges := r.graph.Edges(node.ID)
	for _, e := range edges {
		if e.Condition != nil {
			ok, err := e.Condition(ctx, state)
			if err != nil {
				return "", fmt.Errorf("condition %s -> %s: %w", e.From, e.To, err)
			}
			if !ok {
				continue
			}
		}
		if node.loop != nil {
			if e.To == node.loop.BodyEntry && e.Kind != EdgeBack {
				loops[node.ID]++
				if loops[node.ID] > node.loop.MaxIterations {
					return "", &LoopLimitExceededError{LoopID: node.ID, MaxIterations: node.loop.MaxIterations}
				}
			} else {
				delete(loops, node.ID)
			}
		}
		if e.To == End {
			return "", nil
		}
		return e.To, nil
	}
	if len(edges) > 0 {
		return "", fmt.Errorf("%w from %s", ErrNoEdgeMatched, node.ID)
	}
	return "", nil
}

func (r *run) fail(ctx context.Context, err error) *Result {
	log.Errorw("graph run failed", "thread", r.threadID, "step", r.stepCount, "error", err)
	return r.finish(ctx, StatusFailed, err)
}

func (r *run) pause(ctx context.Context, node *Node, reason string) *Result {
	r.emit(EventSignal, node.ID, map[string]any{
		EventDataSignal: string(SignalKindPause),
		EventDataReason: reason,
	})
	info := &PauseInfo{NodeID: node.ID, Reason: reason}
	var saveErr error
	if r.exec.checkpointer == nil {
		log.Warnw("graph run paused without a checkpointer", "thread", r.threadID, "node", node.ID)
	} else if saveErr = r.checkpoint(ctx, LabelPause, node.ID, reason); saveErr == nil {
		info.Label = LabelPause
	}
	res := r.finish(ctx, StatusPaused, saveErr)
	res.Pause = info
	return res
}

// checkpoint saves the current run state under label.
func (r *run) checkpoint(ctx context.Context, label, pausedNodeID, reason string) error {
	cp := r.exec.checkpointer
	if cp == nil {
		return nil
	}
	snap := &Snapshot{
		ThreadID:     r.threadID,
		Label:        label,
		State:        r.state.DeepClone(),
		NextNodeID:   r.next,
		StepCount:    r.stepCount,
		CreatedAt:    time.Now().UTC(),
		LoopCounters: maps.Clone(r.loops),
		PausedNodeID: pausedNodeID,
		Reason:       reason,
		Version:      SnapshotVersion,
	}
	data := map[string]any{EventDataLabel: label}
	err := cp.Save(context.WithoutCancel(ctx), r.threadID, label, snap)
	if err != nil {
		err = &CheckpointError{Op: "save", ThreadID: r.threadID, Label: label, Cause: err}
		data[EventDataError] = err.Error()
		log.Warnw("checkpoint save failed", "thread", r.threadID, "label", label, "error", err)
	}
	r.emit(EventCheckpoint, pausedNodeID, data)
	return err
}

func (r *run) finish(ctx context.Context, status Status, err error) *Result {
	if status == StatusCompleted && r.exec.checkpointEveryStep {
		r.next = ""
		_ = r.checkpoint(ctx, LabelComplete, "", "")
	}
	r.report.ThreadID = r.threadID
	r.report.StepCount = r.stepCount
	r.report.TotalDuration = time.Since(r.started)
	r.exec.runCounter.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String(itelemetry.KeyStatus, string(status))))
	if status == StatusCancelled {
		r.emit(EventSignal, "", map[string]any{EventDataStatus: string(status)})
	}
	log.Debugw("graph run finished", "thread", r.threadID, "status", status, "steps", r.stepCount)
	return &Result{
		ThreadID: r.threadID,
		Status:   status,
		State:    r.state,
		Err:      err,
		Report:   r.report,
	}
}

func nodeFailure(node *Node, out nodeOutcome) error {
	var sve *SchemaValidationError
	var ee *ExecutionError
	switch {
	case errors.As(out.err, &sve):
		return &ExecutionError{Type: ErrorTypeStateValidation, NodeID: node.ID, Attempts: out.attempts, Cause: out.err}
	case node.Type == NodeTypeParallel:
		return &ExecutionError{Type: ErrorTypeParallelBranches, NodeID: node.ID, Attempts: out.attempts, Cause: out.err}
	case errors.As(out.err, &ee) && ee.NodeID == node.ID:
		return ee
	case errors.Is(out.err, context.DeadlineExceeded):
		return &ExecutionError{Type: ErrorTypeTimeout, NodeID: node.ID, Attempts: out.attempts, Cause: out.err}
	default:
		return &ExecutionError{Type: ErrorTypeNodeExecution, NodeID: node.ID, Attempts: out.attempts, Cause: out.err}
	}
}

func routeFailure(node *Node, err error) error {
	var lle *LoopLimitExceededError
	if errors.As(err, &lle) {
		return &ExecutionError{Type: ErrorTypeLoopLimit, NodeID: node.ID, Attempts: 1, Cause: err}
	}
	return &ExecutionError{Type: ErrorTypeGraphExecution, NodeID: node.ID, Attempts: 1, Cause: err}
}

func findSignal[T Signal](signals []Signal) (T, bool) {
	for _, s := range signals {
		if v, ok := s.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// combine flattens updates into one map for display; later keys win.
func combine(updates []State) State {
	if len(updates) == 0 {
		return nil
	}
	if len(updates) == 1 {
		return updates[0]
	}
	out := make(State)
	for _, u := range updates {
		maps.Copy(out, u)
	}
	return out
}
