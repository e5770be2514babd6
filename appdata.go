// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import "reflect"

// SetAppData associates val with the VM, keyed by its type.
// A previous value of the same type is replaced.
// Application data lives on the Go side
// and is reachable from any callback through its *Lua argument.
func SetAppData[T any](l *Lua, val T) {
	l.appData[reflect.TypeFor[T]()] = val
}

// AppData returns the value of type T stored with [SetAppData].
func AppData[T any](l *Lua) (T, bool) {
	v, ok := l.appData[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// RemoveAppData removes and returns the value of type T
// stored with [SetAppData].
func RemoveAppData[T any](l *Lua) (T, bool) {
	key := reflect.TypeFor[T]()
	v, ok := l.appData[key]
	if !ok {
		var zero T
		return zero, false
	}
	delete(l.appData, key)
	return v.(T), true
}
