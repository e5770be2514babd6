// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

// GCCollect runs a full garbage collection cycle.
// Finalizers that fail raise warnings rather than errors,
// so the collection itself cannot fail once started.
func (l *Lua) GCCollect() error {
	if err := l.enter(); err != nil {
		return err
	}
	l.main.GC()
	return nil
}

// GCStop halts the collector until [Lua.GCRestart].
func (l *Lua) GCStop() error {
	if err := l.enter(); err != nil {
		return err
	}
	l.main.GCStop()
	return nil
}

// GCRestart resumes a collector halted with [Lua.GCStop].
func (l *Lua) GCRestart() error {
	if err := l.enter(); err != nil {
		return err
	}
	l.main.GCRestart()
	return nil
}

// GCStep performs an incremental collection step
// as if stepSize kilobytes had been allocated.
// A stepSize of zero performs a single basic step.
func (l *Lua) GCStep(stepSize int) error {
	if err := l.enter(); err != nil {
		return err
	}
	l.main.GCStep(stepSize)
	return nil
}

// GCIsRunning reports whether the collector is running,
// that is, not stopped with [Lua.GCStop].
func (l *Lua) GCIsRunning() bool {
	if l.closed {
		return false
	}
	return l.main.IsGCRunning()
}

// GCCount returns the number of bytes the interpreter
// believes it has allocated.
// Unlike [Lua.UsedMemory] this works on adopted interpreters,
// but it trails the true figure between collection cycles.
func (l *Lua) GCCount() int64 {
	if l.closed {
		return 0
	}
	return l.main.GCCount()
}

// SetGCIncremental switches the collector to incremental mode
// with the given pause, step multiplier, and step size.
// Zero keeps a parameter's current value.
func (l *Lua) SetGCIncremental(pause, stepMul, stepSize int) error {
	if err := l.enter(); err != nil {
		return err
	}
	l.main.GCIncremental(pause, stepMul, stepSize)
	return nil
}

// SetGCGenerational switches the collector to generational mode
// with the given minor and major collection multipliers.
// Zero keeps a parameter's current value.
func (l *Lua) SetGCGenerational(minorMul, majorMul int) error {
	if err := l.enter(); err != nil {
		return err
	}
	l.main.GCGenerational(minorMul, majorMul)
	return nil
}
