// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"slices"
	"sync"
	"time"
)

// HistoryDB is the status/position history store (component G): a
// time-sampled record of machine status reports (cmode/cmpos/cwpos, RX
// fill %, progress %) kept for post-hoc querying and charting,
// independent of the raw transcript in LineDB.
type HistoryDB struct {
	mu   sync.RWMutex
	data map[string][]historySample // sorted by t, increasing
}

// HistoryValue is whatever a history tag carries: a Position, a percent,
// a status string.
type HistoryValue interface{}

type historySample struct {
	t int64 // unix nanoseconds
	v HistoryValue
}

func NewHistoryDB() *HistoryDB {
	return &HistoryDB{data: make(map[string][]historySample)}
}

// Insert records a data point under key. Amortized O(log N) when called
// with non-decreasing timestamps per key (the normal case, since samples
// arrive off the dispatcher in event order); O(N) for an out-of-order
// insert.
func (db *HistoryDB) Insert(key string, at time.Time, value HistoryValue) {
	db.mu.Lock()
	defer db.mu.Unlock()

	newS := historySample{t: at.UnixNano(), v: value}
	entries, ok := db.data[key]
	if !ok {
		db.data[key] = []historySample{newS}
		return
	}
	if newS.t > entries[len(entries)-1].t {
		db.data[key] = append(entries, newS)
		return
	}

	i, found := slices.BinarySearchFunc(entries, newS.t, compareSampleTime)
	if found {
		entries[i] = newS
	} else {
		db.data[key] = slices.Insert(entries, i, newS)
	}
}

func compareSampleTime(e historySample, t int64) int {
	switch {
	case e.t < t:
		return -1
	case e.t > t:
		return 1
	default:
		return 0
	}
}

func sampleTimes(start, end, step int64) []int64 {
	res := []int64{}
	for curr := start; curr <= end; curr += step {
		res = append(res, curr)
	}
	return res
}

// findLatestInWindow returns the latest sample with t in [start, end],
// or nil. O(log N).
func findLatestInWindow(start, end int64, sorted []historySample) *historySample {
	i, _ := slices.BinarySearchFunc(sorted, end, compareSampleTime)
	i = min(i, len(sorted)-1)
	for i >= 0 {
		t := sorted[i].t
		if start <= t && t <= end {
			return &sorted[i]
		}
		if t < start {
			return nil
		}
		i--
	}
	return nil
}

// QueryRanges samples each key at start+step*0, start+step*1, ... up to
// end. For each sample timestamp T, the latest point in window
// [T-step, T] is returned; nil when none exists. Never interpolates
// between samples.
func (db *HistoryDB) QueryRanges(keys []string, start, end time.Time, step time.Duration) ([]time.Time, map[string][]HistoryValue) {
	sampleTs := sampleTimes(start.UnixNano(), end.UnixNano(), step.Nanoseconds())

	db.mu.RLock()
	defer db.mu.RUnlock()

	tms := make([]time.Time, len(sampleTs))
	for i, t := range sampleTs {
		tms[i] = time.Unix(0, t)
	}

	valsMap := make(map[string][]HistoryValue)
	for _, key := range keys {
		valsMap[key] = make([]HistoryValue, len(sampleTs))
		entries, ok := db.data[key]
		if !ok {
			continue
		}
		for i, t := range sampleTs {
			if e := findLatestInWindow(t-step.Nanoseconds(), t, entries); e != nil {
				valsMap[key][i] = e.v
			}
		}
	}
	return tms, valsMap
}

// RecordEvent feeds the engine's own events into the history store; it
// is the adapter that keeps the streaming engine from depending on this
// package's existence.
func (db *HistoryDB) RecordEvent(ev Event) {
	now := time.Now()
	switch e := ev.(type) {
	case EventStateUpdate:
		db.Insert("state.mode", now, e.Mode)
		db.Insert("state.mpos", now, e.MPos)
		db.Insert("state.wpos", now, e.WPos)
	case EventRxBufferPercent:
		db.Insert("rxfill", now, e.Percent)
	case EventProgressPercent:
		db.Insert("progress", now, e.Percent)
	}
}
