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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastError_SurvivesJSON(t *testing.T) {
	live := State{StateKeyLastError: newNodeErrorInfo("fetch", 3, errors.New("timeout"))}
	info, ok := LastError(live)
	require.True(t, ok)
	assert.Equal(t, "fetch", info.NodeID)
	assert.Equal(t, 3, info.Attempts)
	assert.Equal(t, "timeout", info.Message)
	assert.False(t, info.At.IsZero())

	data, err := json.Marshal(live)
	require.NoError(t, err)
	var restored State
	require.NoError(t, json.Unmarshal(data, &restored))

	got, ok := LastError(restored)
	require.True(t, ok)
	assert.Equal(t, info.NodeID, got.NodeID)
	assert.Equal(t, info.Attempts, got.Attempts)
	assert.Equal(t, info.Message, got.Message)
	assert.True(t, info.At.Equal(got.At))
}

func TestLastError_Absent(t *testing.T) {
	_, ok := LastError(State{})
	assert.False(t, ok)
	_, ok = LastError(State{StateKeyLastError: "oops"})
	assert.False(t, ok)
	_, ok = LastError(State{StateKeyLastError: map[string]any{"message": "no node"}})
	assert.False(t, ok)
}
