//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "fmt"

// SignalKind discriminates the Signal variants.
type SignalKind string

// Signal kinds.
const (
	SignalKindPause  SignalKind = "pause"
	SignalKindResume SignalKind = "resume"
	SignalKindCancel SignalKind = "cancel"
	SignalKindError  SignalKind = "error"
)

// Signal is a control instruction a node returns instead of (or enqueues in
// addition to) a state update. The set of variants is closed: PauseSignal,
// ResumeSignal, CancelSignal and ErrorSignal.
type Signal interface {
	Kind() SignalKind
	isSignal()
}

// PauseSignal suspends the run after checkpointing it.
type PauseSignal struct {
	Reason string
}

// ResumeSignal merges Value into state the same way a resume value is merged.
type ResumeSignal struct {
	Value any
}

// CancelSignal stops the run with status Cancelled.
type CancelSignal struct{}

// ErrorSignal fails the node with Cause; retry policies apply.
type ErrorSignal struct {
	Cause error
}

// Kind implements Signal.
func (PauseSignal) Kind() SignalKind { return SignalKindPause }

// Kind implements Signal.
func (ResumeSignal) Kind() SignalKind { return SignalKindResume }

// Kind implements Signal.
func (CancelSignal) Kind() SignalKind { return SignalKindCancel }

// Kind implements Signal.
func (ErrorSignal) Kind() SignalKind { return SignalKindError }

func (PauseSignal) isSignal()  {}
func (ResumeSignal) isSignal() {}
func (CancelSignal) isSignal() {}
func (ErrorSignal) isSignal()  {}

// Pause returns a PauseSignal with the given reason.
func Pause(reason string) Signal { return PauseSignal{Reason: reason} }

// Resume returns a ResumeSignal carrying value.
func Resume(value any) Signal { return ResumeSignal{Value: value} }

// Cancel returns a CancelSignal.
func Cancel() Signal { return CancelSignal{} }

// Fail returns an ErrorSignal carrying cause.
func Fail(cause error) Signal { return ErrorSignal{Cause: cause} }

func signalString(s Signal) string {
	switch sig := s.(type) {
	case PauseSignal:
		return fmt.Sprintf("pause(%s)", sig.Reason)
	case ResumeSignal:
		return "resume"
	case CancelSignal:
		return "cancel"
	case ErrorSignal:
		return fmt.Sprintf("error(%v)", sig.Cause)
	default:
		return fmt.Sprintf("unknown(%T)", s)
	}
}
