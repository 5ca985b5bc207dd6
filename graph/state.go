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
	"fmt"
	"reflect"
	"sync"
)

// State represents the state that flows through the graph.
// This is the shared data structure that flows between nodes.
type State map[string]any

// Clone creates a shallow copy of the state. Reducers never mutate their
// inputs, so sharing values between clones is safe.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// DeepClone creates a deep copy of the state.
func (s State) DeepClone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = deepCopy(v)
	}
	return clone
}

// StateReducer is a function that determines how state updates are merged.
// It takes existing and new values and returns the merged result. A reducer
// must not mutate either argument.
type StateReducer func(existing, update any) any

// StateField defines a field in the state schema with its type and reducer.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// NewAnnotation returns a field with the given default producer and reducer.
func NewAnnotation(def func() any, reducer StateReducer) StateField {
	return StateField{Default: def, Reducer: reducer}
}

// StateSchema defines the structure and behavior of graph state.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
	order  []string
	strict bool
}

// SchemaOption configures a StateSchema.
type SchemaOption func(*StateSchema)

// WithStrict makes ValidateUpdate reject keys the schema does not declare.
func WithStrict() SchemaOption {
	return func(s *StateSchema) {
		s.strict = true
	}
}

// NewStateSchema creates a new state schema.
func NewStateSchema(opts ...SchemaOption) *StateSchema {
	s := &StateSchema{
		Fields: make(map[string]StateField),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddField adds a field to the state schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()

	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	if _, exists := s.Fields[name]; !exists {
		s.order = append(s.order, name)
	}
	s.Fields[name] = field
	return s
}

// FieldNames returns the declared field names in declaration order.
func (s *StateSchema) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Initialize builds the initial state by calling every field's default producer.
// Fields without a default are left unset.
func (s *StateSchema) Initialize() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := make(State, len(s.Fields))
	for _, name := range s.order {
		if field := s.Fields[name]; field.Default != nil {
			state[name] = field.Default()
		}
	}
	return state
}

// ApplyUpdate applies a state update using the defined reducers and returns a
// new state. Neither currentState nor update is modified.
func (s *StateSchema) ApplyUpdate(currentState State, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := currentState.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			// If no field definition, use default behavior (override).
			result[key] = updateValue
			continue
		}
		currentValue, hasCurrentValue := result[key]
		if !hasCurrentValue && field.Default != nil {
			currentValue = field.Default()
		}
		result[key] = field.Reducer(currentValue, updateValue)
	}
	return result
}

// Validate validates a full state against the schema.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, name := range s.order {
		field := s.Fields[name]
		value, exists := state[name]
		if field.Required && !exists {
			return &SchemaValidationError{Field: name, Reason: "required field is missing"}
		}
		if exists {
			if err := checkFieldType(name, field, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateUpdate validates a partial update before it is merged.
func (s *StateSchema) ValidateUpdate(update State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, value := range update {
		field, exists := s.Fields[key]
		if !exists {
			if s.strict {
				return &SchemaValidationError{Field: key, Reason: "field is not declared in the schema"}
			}
			continue
		}
		if err := checkFieldType(key, field, value); err != nil {
			return err
		}
	}
	return nil
}

func checkFieldType(name string, field StateField, value any) error {
	if field.Type == nil || value == nil {
		return nil
	}
	valueType := reflect.TypeOf(value)
	if valueType.AssignableTo(field.Type) {
		return nil
	}
	return &SchemaValidationError{
		Field:  name,
		Reason: fmt.Sprintf("wrong type: expected %v, got %v", field.Type, valueType),
	}
}
