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
	"strconv"
	"strings"
)

// DefaultRecordIDKey is the field MergeByIDReducer matches records on.
const DefaultRecordIDKey = "id"

// Common reducer functions.

// ReplaceReducer overwrites the existing value with the update.
func ReplaceReducer(existing, update any) any {
	return update
}

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return ReplaceReducer(existing, update)
}

// AppendReducer appends update to existing slice.
func AppendReducer(existing, update any) any {
	return ConcatReducer(existing, update)
}

// ConcatReducer concatenates two slices into a newly allocated slice.
// Slices of different element types are combined into []any. A non-slice
// update is appended as a single element when the element type allows it.
func ConcatReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	uv := reflect.ValueOf(update)
	if existing == nil {
		if uv.Kind() != reflect.Slice {
			return []any{update}
		}
		return copySliceValue(uv)
	}
	ev := reflect.ValueOf(existing)
	if ev.Kind() != reflect.Slice {
		// Fallback to default behavior if not slices
		return update
	}
	if uv.Kind() != reflect.Slice {
		if uv.Type().AssignableTo(ev.Type().Elem()) {
			out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+1)
			out = reflect.AppendSlice(out, ev)
			return reflect.Append(out, uv).Interface()
		}
		return append(toAnySlice(ev), update)
	}
	if ev.Type() == uv.Type() {
		out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+uv.Len())
		out = reflect.AppendSlice(out, ev)
		return reflect.AppendSlice(out, uv).Interface()
	}
	return append(toAnySlice(ev), toAnySlice(uv)...)
}

// StringSliceReducer appends string slices specifically.
func StringSliceReducer(existing, update any) any {
	if existing == nil {
		existing = []string{}
	}

	existingSlice, ok1 := existing.([]string)
	updateSlice, ok2 := update.([]string)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not string slices
		return update
	}
	out := make([]string, 0, len(existingSlice)+len(updateSlice))
	out = append(out, existingSlice...)
	return append(out, updateSlice...)
}

// MergeReducer merges update map into existing map.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}

	existingMap, ok1 := asStringMap(existing)
	updateMap, ok2 := asStringMap(update)

	if !ok1 || !ok2 {
		// Fallback to default behavior if not maps
		return update
	}

	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// MergeByIDReducer merges record lists keyed by the "id" field.
func MergeByIDReducer(existing, update any) any {
	return mergeByID(DefaultRecordIDKey, existing, update)
}

// MergeByIDReducerWithKey returns a MergeByIDReducer matching on key.
//
// Records whose id already exists are updated in place: map records are
// shallow-merged with the update's fields winning, other records are
// replaced. Records with new ids, or without an id, are appended. Ids match
// by kind and value: the string "1" and the number 1 are different records,
// while numbers match across integer and float types. The
// relative order of untouched records is preserved, and applying the same
// update twice yields the same result as applying it once.
func MergeByIDReducerWithKey(key string) StateReducer {
	return func(existing, update any) any {
		return mergeByID(key, existing, update)
	}
}

func mergeByID(key string, existing, update any) any {
	if update == nil {
		return existing
	}
	uv := reflect.ValueOf(update)
	if uv.Kind() != reflect.Slice {
		return update
	}
	var ev reflect.Value
	if existing != nil {
		ev = reflect.ValueOf(existing)
		if ev.Kind() != reflect.Slice {
			return update
		}
	}

	records := make([]any, 0, lenOf(ev)+uv.Len())
	index := make(map[string]int, lenOf(ev))
	if ev.IsValid() {
		for i := 0; i < ev.Len(); i++ {
			rec := ev.Index(i).Interface()
			if id, ok := recordID(rec, key); ok {
				if _, dup := index[id]; !dup {
					index[id] = len(records)
				}
			}
			records = append(records, rec)
		}
	}
	for i := 0; i < uv.Len(); i++ {
		rec := uv.Index(i).Interface()
		id, ok := recordID(rec, key)
		if !ok {
			records = append(records, rec)
			continue
		}
		if pos, found := index[id]; found {
			records[pos] = mergeRecord(records[pos], rec)
			continue
		}
		index[id] = len(records)
		records = append(records, rec)
	}
	return typedRecords(records, ev, uv)
}

// typedRecords converts records back to the caller's slice type when every
// record still fits it.
func typedRecords(records []any, existing, update reflect.Value) any {
	target := update.Type()
	if existing.IsValid() && existing.Len() > 0 {
		target = existing.Type()
	}
	elem := target.Elem()
	out := reflect.MakeSlice(target, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			if !canBeNil(elem) {
				return records
			}
			out = reflect.Append(out, reflect.Zero(elem))
			continue
		}
		rv := reflect.ValueOf(rec)
		if !rv.Type().AssignableTo(elem) {
			return records
		}
		out = reflect.Append(out, rv)
	}
	return out.Interface()
}

func recordID(rec any, key string) (string, bool) {
	if m, ok := asStringMap(rec); ok {
		v, exists := m[key]
		if !exists || v == nil {
			return "", false
		}
		return idKey(v), true
	}
	rv := reflect.ValueOf(rec)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return "", false
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" {
			continue
		}
		tag := strings.Split(f.Tag.Get("json"), ",")[0]
		if tag == key || strings.EqualFold(f.Name, key) {
			v := rv.Field(i)
			if v.IsZero() {
				return "", false
			}
			return idKey(v.Interface()), true
		}
	}
	return "", false
}

// idKey renders an id so that values of different kinds never collide. All
// numeric kinds share one class, so an int id still matches the float64 it
// becomes after a JSON checkpoint.
func idKey(v any) string {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return "s:" + rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "n:" + strconv.FormatFloat(float64(rv.Int()), 'g', -1, 64)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return "n:" + strconv.FormatFloat(float64(rv.Uint()), 'g', -1, 64)
	case reflect.Float32, reflect.Float64:
		return "n:" + strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

func mergeRecord(current, update any) any {
	cm, ok1 := asStringMap(current)
	um, ok2 := asStringMap(update)
	if !ok1 || !ok2 {
		return update
	}
	merged := make(map[string]any, len(cm)+len(um))
	for k, v := range cm {
		merged[k] = v
	}
	for k, v := range um {
		merged[k] = v
	}
	return merged
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case State:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func toAnySlice(rv reflect.Value) []any {
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, rv.Index(i).Interface())
	}
	return out
}

func copySliceValue(rv reflect.Value) any {
	if rv.IsNil() {
		return rv.Interface()
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(out, rv)
	return out.Interface()
}

func lenOf(rv reflect.Value) int {
	if !rv.IsValid() {
		return 0
	}
	return rv.Len()
}

func canBeNil(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	default:
		return false
	}
}
