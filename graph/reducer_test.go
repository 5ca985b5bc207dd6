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
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceReducer(t *testing.T) {
	assert.Equal(t, 2, ReplaceReducer(1, 2))
	assert.Nil(t, ReplaceReducer("x", nil))
}

func TestConcatReducer_DoesNotMutateInputs(t *testing.T) {
	existing := make([]string, 2, 8)
	existing[0], existing[1] = "a", "b"
	update := []string{"c"}

	got := ConcatReducer(existing, update)
	require.Equal(t, []string{"a", "b", "c"}, got)

	// Appending to the result must not leak into the spare capacity of
	// existing.
	out := got.([]string)
	out[0] = "z"
	assert.Equal(t, []string{"a", "b"}, existing)
	assert.Equal(t, []string{"c"}, update)
}

func TestConcatReducer_MixedAndScalar(t *testing.T) {
	assert.Equal(t, []any{"a", 1}, ConcatReducer([]string{"a"}, []int{1}))
	assert.Equal(t, []string{"a", "b"}, ConcatReducer([]string{"a"}, "b"))
	assert.Equal(t, []any{"x"}, ConcatReducer(nil, "x"))
	assert.Equal(t, []string{"a"}, ConcatReducer([]string{"a"}, nil))
}

func TestMergeReducer(t *testing.T) {
	existing := map[string]any{"a": 1, "b": 2}
	got := MergeReducer(existing, map[string]any{"b": 3, "c": 4})
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, got)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, existing)
}

func TestMergeByIDReducer(t *testing.T) {
	existing := []map[string]any{
		{"id": "1", "v": "a"},
		{"id": "2", "v": "b", "keep": true},
	}
	update := []map[string]any{
		{"id": "2", "v": "c"},
		{"id": "3", "v": "d"},
	}

	got := MergeByIDReducer(existing, update)
	want := []map[string]any{
		{"id": "1", "v": "a"},
		{"id": "2", "v": "c", "keep": true},
		{"id": "3", "v": "d"},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "b", existing[1]["v"], "existing records must not change")

	again := MergeByIDReducer(got, update)
	assert.Equal(t, want, again, "same update twice equals once")
}

func TestMergeByIDReducerWithKey(t *testing.T) {
	type task struct {
		Key   string
		Title string
	}
	r := MergeByIDReducerWithKey("Key")
	got := r([]task{{"k1", "old"}}, []task{{"k1", "new"}, {"k2", "other"}})
	assert.Equal(t, []task{{"k1", "new"}, {"k2", "other"}}, got)
}

func TestMergeByIDReducer_IDKinds(t *testing.T) {
	got := MergeByIDReducer(
		[]any{map[string]any{"id": 1, "v": "number"}},
		[]any{map[string]any{"id": "1", "v": "string"}},
	)
	assert.Len(t, got, 2, "string and numeric ids are different records")

	// A numeric id read back from JSON arrives as float64.
	got = MergeByIDReducer(
		[]any{map[string]any{"id": 7, "v": "old", "keep": true}},
		[]any{map[string]any{"id": float64(7), "v": "new"}},
	)
	assert.Equal(t, []any{map[string]any{"id": float64(7), "v": "new", "keep": true}}, got)
}

func TestSchema_ApplyUpdate(t *testing.T) {
	schema := NewStateSchema().
		AddField("log", StateField{Reducer: ConcatReducer, Default: func() any { return []string{} }}).
		AddField("count", StateField{})

	start := schema.Initialize()
	s1 := schema.ApplyUpdate(start, State{"log": []string{"a"}, "count": 1})
	s2 := schema.ApplyUpdate(s1, State{"log": []string{"b"}, "extra": true})

	assert.Equal(t, []string{}, start["log"])
	assert.Equal(t, []string{"a"}, s1["log"])
	assert.Equal(t, []string{"a", "b"}, s2["log"])
	assert.Equal(t, 1, s2["count"])
	assert.Equal(t, true, s2["extra"])
	_, ok := s1["extra"]
	assert.False(t, ok)
}

func TestSchema_ValidateUpdate(t *testing.T) {
	schema := NewStateSchema(WithStrict()).
		AddField("n", StateField{Type: reflect.TypeOf(0)})

	require.NoError(t, schema.ValidateUpdate(State{"n": 3}))

	var sve *SchemaValidationError
	require.ErrorAs(t, schema.ValidateUpdate(State{"n": "x"}), &sve)
	assert.Equal(t, "n", sve.Field)
	require.ErrorAs(t, schema.ValidateUpdate(State{"other": 1}), &sve)
	assert.Equal(t, "other", sve.Field)
}

func TestState_DeepClone(t *testing.T) {
	type item struct {
		Tags []string
	}
	orig := State{
		"m":    map[string]any{"k": []any{1, 2}},
		"item": &item{Tags: []string{"a"}},
		"list": []map[string]any{{"id": "1"}},
	}
	c := orig.DeepClone()

	c["m"].(map[string]any)["k"].([]any)[0] = 99
	c["item"].(*item).Tags[0] = "z"
	c["list"].([]map[string]any)[0]["id"] = "2"

	assert.Equal(t, 1, orig["m"].(map[string]any)["k"].([]any)[0])
	assert.Equal(t, "a", orig["item"].(*item).Tags[0])
	assert.Equal(t, "1", orig["list"].([]map[string]any)[0]["id"])
}
