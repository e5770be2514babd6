// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package sets

import (
	stdcmp "cmp"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var sortUintSlices = cmpopts.SortSlices(stdcmp.Less[uint])

func TestSet(t *testing.T) {
	check := func(t *testing.T, s Set[uint], want []uint) {
		t.Helper()

		if got := s.Len(); got != len(want) {
			t.Errorf("s.Len() = %d; want %d", got, len(want))
		}
		for _, x := range want {
			if !s.Has(x) {
				t.Errorf("s.Has(%d) = false; want true", x)
			}
		}
		diff := cmp.Diff(want, slices.Collect(s.All()), cmpopts.EquateEmpty(), sortUintSlices)
		if diff != "" {
			t.Errorf("slices.Collect(s.All()) (-want +got):\n%s", diff)
		}
	}

	t.Run("Empty", func(t *testing.T) {
		s := make(Set[uint])

		check(t, s, []uint{})
		if s.Has(123) {
			t.Error("s.Has(123) = true; want false")
		}
	})

	t.Run("EmptyDelete", func(t *testing.T) {
		s := make(Set[uint])
		s.Delete(123)

		check(t, s, []uint{})
		if s.Has(123) {
			t.Error("s.Has(123) = true; want false")
		}
	})

	t.Run("Add", func(t *testing.T) {
		s := make(Set[uint])
		s.Add(123)

		check(t, s, []uint{123})
		if s.Has(456) {
			t.Error("s.Has(456) = true; want false")
		}
	})

	t.Run("Add3", func(t *testing.T) {
		s := make(Set[uint])
		s.Add(10, 123, 100)

		check(t, s, []uint{10, 100, 123})
		if s.Has(456) {
			t.Error("s.Has(456) = true; want false")
		}
	})

	t.Run("AddMultiple", func(t *testing.T) {
		s := make(Set[uint])
		s.Add(10)
		s.Add(123)
		s.Add(100)

		check(t, s, []uint{10, 100, 123})
		if s.Has(456) {
			t.Error("s.Has(456) = true; want false")
		}
	})

	t.Run("AddSeq", func(t *testing.T) {
		s := make(Set[uint])
		s.AddSeq(slices.Values([]uint{10, 123, 100}))

		check(t, s, []uint{10, 100, 123})
		if s.Has(456) {
			t.Error("s.Has(456) = true; want false")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := make(Set[uint])
		s.Add(10)
		s.Add(123)
		s.Delete(123)

		check(t, s, []uint{10})
		if s.Has(123) {
			t.Error("s.Has(123) = true; want false")
		}
		if s.Has(456) {
			t.Error("s.Has(456) = true; want false")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		s := make(Set[uint])
		s.Add(10)
		s.Add(123)
		s.Delete(456)

		check(t, s, []uint{10, 123})
		if s.Has(456) {
			t.Error("s.Has(456) = true; want false")
		}
	})

	t.Run("Clear", func(t *testing.T) {
		s := make(Set[uint])
		s.Add(123)
		s.Clear()

		check(t, s, []uint{})
		if s.Has(123) {
			t.Error("s.Has(123) = true; want false")
		}
	})

	t.Run("Clone", func(t *testing.T) {
		s := New[uint](10, 123)
		clone := s.Clone()
		clone.Add(456)

		check(t, s, []uint{10, 123})
		check(t, clone, []uint{10, 123, 456})
	})

	t.Run("Collect", func(t *testing.T) {
		s := Collect(slices.Values([]uint{10, 123, 100}))

		check(t, s, []uint{10, 100, 123})
	})
}
