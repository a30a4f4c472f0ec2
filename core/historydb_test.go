// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genInstant(t *rapid.T, label string) time.Time {
	sec := rapid.Int64Range(0, 1_000_000).Draw(t, label+"_sec")
	return time.Unix(sec, 0)
}

func TestHistoryQueryShapeEmptyDB(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db := NewHistoryDB()
		start := genInstant(t, "start")
		step := time.Duration(rapid.Int64Range(1, 100).Draw(t, "step")) * time.Second
		end := start.Add(step * time.Duration(rapid.IntRange(0, 20).Draw(t, "n")))

		tms, vals := db.QueryRanges([]string{"rxfill"}, start, end, step)
		if len(vals["rxfill"]) != len(tms) {
			t.Fatalf("values length %d != timestamps length %d", len(vals["rxfill"]), len(tms))
		}
		for i := 1; i < len(tms); i++ {
			if tms[i].Before(tms[i-1]) {
				t.Fatalf("timestamps not sorted at %d", i)
			}
		}
		for _, tm := range tms {
			if tm.Before(start) || tm.After(end) {
				t.Fatalf("timestamp %v out of range [%v, %v]", tm, start, end)
			}
		}
	})
}

func TestHistoryQueryConcrete(t *testing.T) {
	db := NewHistoryDB()
	base := time.Unix(1000, 0)
	db.Insert("rxfill", base, 10)
	db.Insert("rxfill", base.Add(5*time.Second), 50)
	db.Insert("rxfill", base.Add(11*time.Second), 90)

	tms, vals := db.QueryRanges([]string{"rxfill"}, base, base.Add(10*time.Second), 5*time.Second)
	if len(tms) != 3 {
		t.Fatalf("expected 3 sample timestamps, got %d", len(tms))
	}
	got := vals["rxfill"]
	if got[0] != 10 || got[1] != 50 || got[2] != 50 {
		t.Errorf("unexpected sampled values: %v", got)
	}
}

func TestHistoryOutOfOrderInsert(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		base := genInstant(t, "base")
		times := make([]time.Time, n)
		for i := range times {
			times[i] = base.Add(time.Duration(i) * time.Second)
		}
		perm := rapid.Permutation(times).Draw(t, "perm")

		db := NewHistoryDB()
		for i, tm := range perm {
			db.Insert("progress", tm, i)
		}

		_, vals := db.QueryRanges([]string{"progress"}, base, times[n-1], time.Second)
		if len(vals["progress"]) != n {
			t.Fatalf("expected %d samples, got %d", n, len(vals["progress"]))
		}
	})
}

func TestHistoryNeverInterpolates(t *testing.T) {
	db := NewHistoryDB()
	base := time.Unix(2000, 0)
	db.Insert("rxfill", base, 0)
	db.Insert("rxfill", base.Add(100*time.Second), 100)

	_, vals := db.QueryRanges([]string{"rxfill"}, base.Add(40*time.Second), base.Add(60*time.Second), 10*time.Second)
	for _, v := range vals["rxfill"] {
		if v != nil && v != 0 {
			t.Errorf("expected either nil or the stale 0 sample, got %v (no interpolation allowed)", v)
		}
	}
}
