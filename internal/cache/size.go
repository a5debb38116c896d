// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"encoding/json"
	"reflect"
	"unicode/utf16"
)

// Approximate per-value costs in bytes.
const (
	bytesPerChar   = 2
	bytesPerNumber = 8
	bytesPerBool   = 4
)

// EstimateSize approximates the memory held by v. Strings cost two bytes
// per UTF-16 unit, numbers eight and booleans four. Containers sum their
// elements, and maps and structs add the size of their key or field
// names. Anything else costs twice its JSON length.
func EstimateSize(v any) int64 {
	return estimate(reflect.ValueOf(v), 0)
}

// maxDepth stops runaway recursion through self-referencing pointers.
const maxDepth = 32

func estimate(v reflect.Value, depth int) int64 {
	if !v.IsValid() || depth > maxDepth {
		return 0
	}

	switch v.Kind() {
	case reflect.String:
		return stringSize(v.String())
	case reflect.Bool:
		return bytesPerBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return bytesPerNumber
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return 0
		}
		return estimate(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return int64(v.Len())
		}
		var total int64
		for i := 0; i < v.Len(); i++ {
			total += estimate(v.Index(i), depth+1)
		}
		return total
	case reflect.Map:
		var total int64
		iter := v.MapRange()
		for iter.Next() {
			total += estimate(iter.Key(), depth+1)
			total += estimate(iter.Value(), depth+1)
		}
		return total
	case reflect.Struct:
		var total int64
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			total += stringSize(t.Field(i).Name)
			total += estimate(v.Field(i), depth+1)
		}
		return total
	default:
		if !v.CanInterface() {
			return 0
		}
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return 0
		}
		return int64(len(data)) * bytesPerChar
	}
}

func stringSize(s string) int64 {
	units := 0
	for _, r := range s {
		if utf16.IsSurrogate(r) || r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return int64(units) * bytesPerChar
}
