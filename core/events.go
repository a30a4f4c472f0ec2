// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

// Event is the sum type delivered through the single callback sink. Every
// concrete type below corresponds 1:1 to an event tag in the wire vocabulary
// (spec §6). A type switch on Event is the idiomatic replacement for the
// (tag string, args ...any) shape the original module used.
type Event interface {
	Tag() string
}

type EventBoot struct{}

func (EventBoot) Tag() string { return "on_boot" }

type EventDisconnected struct{}

func (EventDisconnected) Tag() string { return "on_disconnected" }

type EventLog struct {
	Level   string
	Message string
}

func (EventLog) Tag() string { return "on_log" }

type EventLineSent struct {
	JobID  string
	LineNr int
	Line   string
}

func (EventLineSent) Tag() string { return "on_line_sent" }

type EventBufsizeChange struct {
	Size int
}

func (EventBufsizeChange) Tag() string { return "on_bufsize_change" }

type EventLineNumberChange struct {
	LineNr int
}

func (EventLineNumberChange) Tag() string { return "on_line_number_change" }

type EventProcessedCommand struct {
	LineNr int
	Line   string
}

func (EventProcessedCommand) Tag() string { return "on_processed_command" }

type EventAlarm struct {
	Raw string
}

func (EventAlarm) Tag() string { return "on_alarm" }

type EventError struct {
	Raw     string
	Command string
	LineNr  int
}

func (EventError) Tag() string { return "on_error" }

type EventRxBufferPercent struct {
	Percent int
}

func (EventRxBufferPercent) Tag() string { return "on_rx_buffer_percent" }

type EventProgressPercent struct {
	Percent int
}

func (EventProgressPercent) Tag() string { return "on_progress_percent" }

type EventJobCompleted struct{}

func (EventJobCompleted) Tag() string { return "on_job_completed" }

// Position is a 3-tuple of machine coordinates (X, Y, Z).
type Position [3]float64

type EventStateUpdate struct {
	Mode string
	MPos Position
	WPos Position
}

func (EventStateUpdate) Tag() string { return "on_stateupdate" }

type EventHashStateUpdate struct {
	Offsets map[string]Position
}

func (EventHashStateUpdate) Tag() string { return "on_hash_stateupdate" }

type Setting struct {
	Val string
	Cmt string
}

type EventSettingsDownloaded struct {
	Settings map[int]Setting
}

func (EventSettingsDownloaded) Tag() string { return "on_settings_downloaded" }

type EventGcodeParserStateUpdate struct {
	GPS [12]string
}

func (EventGcodeParserStateUpdate) Tag() string { return "on_gcode_parser_stateupdate" }

type EventSimulationFinished struct {
	Lines []string
}

func (EventSimulationFinished) Tag() string { return "on_simulation_finished" }

type EventVarsChange struct {
	Vars map[string]*string
}

func (EventVarsChange) Tag() string { return "on_vars_change" }

type EventPreprocessorFeedChange struct {
	Feed float64
}

func (EventPreprocessorFeedChange) Tag() string { return "on_preprocessor_feed_change" }

type EventPreprocessorVarUndefined struct {
	Key string
}

func (EventPreprocessorVarUndefined) Tag() string { return "on_preprocessor_var_undefined" }

type EventProbe struct {
	Pos Position
}

func (EventProbe) Tag() string { return "on_probe" }

type EventMovement struct{}

func (EventMovement) Tag() string { return "on_movement" }

type EventStandstill struct{}

func (EventStandstill) Tag() string { return "on_standstill" }

type EventRead struct {
	Line string
}

func (EventRead) Tag() string { return "on_read" }

type EventWrite struct {
	Line string
}

func (EventWrite) Tag() string { return "on_write" }

// Callback is the single sink every externally-visible state change is
// routed through. Implementations must not block for long and must not call
// back into the Controller while holding their own locks, since callbacks
// may originate from the reader, dispatcher or poller goroutine.
type Callback func(Event)
