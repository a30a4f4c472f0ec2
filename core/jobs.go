// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"fmt"
	"sync"
	"time"
)

// JobState mirrors the job lifecycle state machine the streaming engine
// drives a single job buffer through.
type JobState string

const (
	JobStateStreaming JobState = "STREAMING"
	JobStateDraining  JobState = "DRAINING"
	JobStateFinished  JobState = "FINISHED"
	JobStateHalted    JobState = "HALTED"
	JobStateError     JobState = "ERROR"
)

// JobRecord is one past or current job run, as seen from the outside.
// The engine itself only ever runs one job at a time; JobHistory exists
// so an HTTP client can list what has run without replaying the
// transcript.
type JobRecord struct {
	ID          string
	LineCount   int
	State       JobState
	TimeStarted time.Time
	TimeEnded   *time.Time
}

func copyRecord(r JobRecord) JobRecord {
	out := r
	if r.TimeEnded != nil {
		t := *r.TimeEnded
		out.TimeEnded = &t
	}
	return out
}

// JobHistory is an append-only, queryable log of job runs, fed by the
// engine's own lifecycle transitions rather than driving execution
// itself — unlike a general job scheduler, there is never more than one
// runnable job here, since the engine owns exactly one buffer+cursor.
type JobHistory struct {
	mu      sync.Mutex
	records []JobRecord
	nextID  int
}

func NewJobHistory() *JobHistory {
	return &JobHistory{nextID: 1}
}

// Start records the beginning of a new job run and returns its ID.
func (jh *JobHistory) Start(lineCount int) string {
	jh.mu.Lock()
	defer jh.mu.Unlock()

	id := fmt.Sprintf("job%d", jh.nextID)
	jh.nextID++
	jh.records = append(jh.records, JobRecord{
		ID:          id,
		LineCount:   lineCount,
		State:       JobStateStreaming,
		TimeStarted: time.Now(),
	})
	return id
}

// SetState updates the current job's state in place, without ending it.
func (jh *JobHistory) SetState(id string, state JobState) {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if r := jh.findUnsafe(id); r != nil {
		r.State = state
	}
}

// Finish marks a job run as ended with the given terminal state.
func (jh *JobHistory) Finish(id string, state JobState) {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if r := jh.findUnsafe(id); r != nil {
		r.State = state
		t := time.Now()
		r.TimeEnded = &t
	}
}

func (jh *JobHistory) findUnsafe(id string) *JobRecord {
	for i := range jh.records {
		if jh.records[i].ID == id {
			return &jh.records[i]
		}
	}
	return nil
}

// List returns a snapshot of every recorded job run, oldest first.
func (jh *JobHistory) List() []JobRecord {
	jh.mu.Lock()
	defer jh.mu.Unlock()

	out := make([]JobRecord, len(jh.records))
	for i, r := range jh.records {
		out[i] = copyRecord(r)
	}
	return out
}

// Current returns the most recent job run still in a non-terminal state,
// or false if none.
func (jh *JobHistory) Current() (JobRecord, bool) {
	jh.mu.Lock()
	defer jh.mu.Unlock()

	for i := len(jh.records) - 1; i >= 0; i-- {
		if jh.records[i].TimeEnded == nil {
			return copyRecord(jh.records[i]), true
		}
	}
	return JobRecord{}, false
}
