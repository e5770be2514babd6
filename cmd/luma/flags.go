// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/csv"
	"slices"
	"strings"

	luma "luma.256lights.llc/pkg"
	"luma.256lights.llc/pkg/sets"
)

// stringSetFlag is similar to [github.com/spf13/pflag.StringArray],
// but prevents duplicate entries.
// If csv is true, then stringSetFlag acts like [github.com/spf13/pflag.StringSlice].
type stringSetFlag struct {
	set     sets.Set[string]
	changed bool
	csv     bool
}

func (f *stringSetFlag) Get() any { return f.set }

func (f *stringSetFlag) Type() string {
	if f.csv {
		return "stringSlice"
	} else {
		return "stringArray"
	}
}

func (f *stringSetFlag) GetSlice() []string {
	s := slices.Collect(f.set.All())
	slices.Sort(s)
	return s
}

func (f *stringSetFlag) String() string {
	buf := new(bytes.Buffer)
	buf.WriteString("[")
	w := csv.NewWriter(buf)
	_ = w.Write(f.GetSlice())
	w.Flush()
	b := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	b = append(b, "]"...)
	return string(b)
}

func (f *stringSetFlag) Set(s string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	}
	if !f.changed {
		f.set.Clear()
		f.changed = true
	}
	if f.csv {
		r := csv.NewReader(strings.NewReader(s))
		vals, err := r.Read()
		if err != nil {
			return err
		}
		f.set.AddSeq(slices.Values(vals))
	} else {
		f.set.Add(s)
	}
	return nil
}

func (f *stringSetFlag) Append(val string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	}
	f.set.Add(val)
	return nil
}

func (f *stringSetFlag) Replace(val []string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	} else {
		f.set.Clear()
	}
	for _, s := range val {
		f.set.Add(s)
	}
	return nil
}

// libraries resolves the flag to a standard library mask,
// falling back to the configuration's default when the flag was never set.
func (f *stringSetFlag) libraries(g *globalConfig) (luma.StdLib, error) {
	if !f.changed {
		return g.defaultLibraries()
	}
	libs := luma.LibNone
	for name := range f.set.All() {
		lib, err := luma.ParseStdLib(name)
		if err != nil {
			return 0, err
		}
		libs |= lib
	}
	return libs, nil
}
