// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package core implements a host-side streaming controller for the Grbl
// CNC firmware: character-counting flow control against the firmware's
// 128-byte receive buffer, a G-code preprocessor that mirrors Grbl's
// modal state, and the event/transcript/history surfaces built around
// them. The HTTP control surface lives in package main, one layer up.
package core

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"grblstream/gcode"
)

const (
	defaultRxBufferSize  = 128
	defaultPollInterval  = 200 * time.Millisecond
	defaultLastSettingNr = 132
	standstillThreshold  = 10
)

// rxEntry is one in-flight, unacknowledged line.
type rxEntry struct {
	byteLen int
	line    string
	lineNr  int
}

type stashSlot struct {
	buffer        []string
	bufferSize    int
	currentLineNr int
}

// Controller owns every piece of mutable streaming state: the job
// buffer, the RX-FIFO, the firmware view state, and the preprocessor.
// Its mutex serializes the dispatcher against façade calls from a
// foreign caller; it is never held across a callback dispatch.
type Controller struct {
	mu sync.Mutex

	RxBufferSize      int
	PollInterval      time.Duration
	LastSettingNumber int
	Target            string // "firmware" or "simulator"

	incrementalStreaming bool

	cmode     string
	cmpos     Position
	cwpos     Position
	settings  map[int]Setting
	csOffsets map[string]Position

	connected              bool
	streamingComplete      bool
	jobFinished            bool
	streamingSrcEndReached bool
	streamingEnabled       bool
	errorFlag              bool
	waitEmptyBuffer        bool

	hashStateRequested   bool
	parserStateRequested bool
	hashStateBatch       map[string]Position

	buffer        []string
	bufferSize    int
	currentLineNr int
	pending       *rxEntry // prepared-but-not-yet-transmitted next line
	stash         *stashSlot

	rxFifo []rxEntry

	standstillCount int
	inStandstill    bool
	haveLastCMPos   bool
	lastWatchdogPos Position

	gc *gcode.Machine

	framer *Framer
	cb     Callback

	pollStopCh chan struct{}
	pollWG     sync.WaitGroup
	inboundCh  chan string
	dispDoneCh chan struct{}
	dispWG     sync.WaitGroup

	jobHistory   *JobHistory
	currentJobID string
}

// New constructs an idle, disconnected Controller.
func New(cb Callback) *Controller {
	c := &Controller{
		RxBufferSize:      defaultRxBufferSize,
		PollInterval:      defaultPollInterval,
		LastSettingNumber: defaultLastSettingNr,
		Target:            "firmware",
		settings:          make(map[int]Setting),
		csOffsets:         make(map[string]Position),
		gc:                gcode.New(),
		cb:                cb,
		jobHistory:        NewJobHistory(),
	}
	c.gc.OnVarUndefined = func(key string) {
		c.emit(EventPreprocessorVarUndefined{Key: key})
	}
	c.gc.OnFeedChange = func(f float64) {
		c.emit(EventPreprocessorFeedChange{Feed: f})
	}
	c.gc.OnArcError = func(reason string) {
		c.emit(EventLog{Level: "warn", Message: reason})
	}
	return c
}

func (c *Controller) emit(ev Event) {
	if c.cb != nil {
		c.cb(ev)
	}
}

// ---- status/parser/hash/setting line regexes ----

var (
	reStatusV11   = regexp.MustCompile(`^<([A-Za-z]+)\|(.*)>$`)
	reStatusV09   = regexp.MustCompile(`^<([A-Za-z]+),MPos:([^,]+),([^,]+),([^,]+),WPos:([^,]+),([^,]+),([^,]+)>$`)
	reParserState = regexp.MustCompile(`^\[G(\d+) G(\d+) G(\d+) G(\d+) G(\d+) G(\d+) M(\d+) M(\d+) M(\d+) T(\d+) F([\d.\-]*) S([\d.\-]*)\]$`)
	reHashState   = regexp.MustCompile(`^\[([A-Za-z0-9]+):([^\]]*)\]$`)
	reSetting     = regexp.MustCompile(`^\$(\d+)=(\S+)\s*(\(.*\))?$`)
)

// Connect opens the serial port and starts the reader/dispatcher/poller
// activities.
func (c *Controller) Connect(path string, baud int) error {
	f, err := OpenFramer(path, baud, c.onLine)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.framer = f
	c.streamingEnabled = true
	c.inboundCh = make(chan string, 64)
	c.dispDoneCh = make(chan struct{})
	c.mu.Unlock()

	c.dispWG.Add(1)
	go c.dispatchLoop()
	c.PollStart()
	return nil
}

// onLine is the framer's callback; it only hands the line to the
// dispatcher's channel, keeping the reader goroutine unblocked.
func (c *Controller) onLine(line string) {
	c.emit(EventRead{Line: line})
	select {
	case c.inboundCh <- line:
	default:
		slog.Warn("dispatcher inbound channel full, dropping line", "line", line)
	}
}

func (c *Controller) dispatchLoop() {
	defer c.dispWG.Done()
	for {
		select {
		case <-c.dispDoneCh:
			return
		case line := <-c.inboundCh:
			c.handleLine(line)
		}
	}
}

// Disconnect stops the poller and dispatcher, joins them, and closes the port.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	framer := c.framer
	c.streamingEnabled = false
	c.connected = false
	c.mu.Unlock()

	c.PollStop()
	if c.dispDoneCh != nil {
		close(c.dispDoneCh)
		c.dispWG.Wait()
	}
	if framer != nil {
		framer.Stop()
	}
	c.emit(EventDisconnected{})
}

// ---- dispatcher: firmware -> host line handling ----

func (c *Controller) handleLine(line string) {
	trimmed := strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(trimmed, "Grbl "):
		c.handleBoot(trimmed)
	case trimmed == "ok":
		c.handleOk()
	case strings.Contains(trimmed, "error"):
		c.handleError(trimmed)
	case strings.Contains(trimmed, "ALARM"):
		c.handleAlarm(trimmed)
	case strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">"):
		c.handleStatus(trimmed)
	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		c.handleBracket(trimmed)
	case reSetting.MatchString(trimmed):
		c.handleSetting(trimmed)
	default:
		// on_read already fired in onLine; nothing further to do for
		// unrecognized lines (spec: ignored with a debug log).
		slog.Debug("unrecognized firmware line", "line", trimmed)
	}
}

func (c *Controller) handleBoot(line string) {
	c.mu.Lock()
	c.onbootResetLocked()
	c.connected = true
	c.mu.Unlock()

	c.emit(EventBoot{})
	c.RequestSettings()
	c.requestHashState()
	c.requestParserState()
}

func (c *Controller) onbootResetLocked() {
	c.rxFifo = nil
	c.streamingComplete = false
	c.jobFinished = false
	c.streamingSrcEndReached = false
	c.errorFlag = false
	c.hashStateRequested = false
	c.parserStateRequested = false
	c.standstillCount = 0
	c.inStandstill = false
	c.haveLastCMPos = false
	c.cmode = ""
	c.gc.OnbootInit()
}

func (c *Controller) handleOk() {
	c.mu.Lock()
	if len(c.rxFifo) == 0 {
		c.mu.Unlock()
		slog.Debug("ok received with empty RX-FIFO")
		return
	}
	entry := c.rxFifo[0]
	c.rxFifo = c.rxFifo[1:]
	percent := c.rxFillPercentLocked()
	wait := c.waitEmptyBuffer
	fifoEmpty := len(c.rxFifo) == 0
	justFinished, jobID := c.maybeFinishJobLocked()
	c.mu.Unlock()

	c.emit(EventProcessedCommand{LineNr: entry.lineNr, Line: entry.line})
	c.emit(EventRxBufferPercent{Percent: percent})
	if justFinished {
		if jobID != "" {
			c.jobHistory.Finish(jobID, JobStateFinished)
		}
		c.emit(EventJobCompleted{})
	}

	if !wait || fifoEmpty {
		c.trySendMore()
	}
}

func (c *Controller) rxFillPercentLocked() int {
	sum := 0
	for _, e := range c.rxFifo {
		sum += e.byteLen
	}
	if c.RxBufferSize == 0 {
		return 0
	}
	return sum * 100 / c.RxBufferSize
}

// maybeFinishJobLocked flips the finished flags under the lock and
// reports whether the caller must fire on_job_completed once unlocked,
// so the emit always happens after any on_processed_command already
// queued ahead of it in the same call chain.
func (c *Controller) maybeFinishJobLocked() (justFinished bool, jobID string) {
	if c.streamingSrcEndReached && len(c.rxFifo) == 0 && !c.jobFinished && !c.errorFlag {
		c.jobFinished = true
		c.streamingComplete = true
		return true, c.currentJobID
	}
	return false, ""
}

func (c *Controller) handleError(line string) {
	c.mu.Lock()
	c.errorFlag = true
	command := "unknown"
	lineNr := -1
	if len(c.rxFifo) > 0 {
		command = c.rxFifo[0].line
		lineNr = c.rxFifo[0].lineNr
		c.rxFifo = c.rxFifo[1:]
	}
	c.streamingComplete = true
	c.streamingSrcEndReached = true
	c.streamingEnabled = false
	id := c.currentJobID
	c.mu.Unlock()

	if id != "" {
		c.jobHistory.Finish(id, JobStateError)
	}
	c.emit(EventError{Raw: line, Command: command, LineNr: lineNr})
}

func (c *Controller) handleAlarm(line string) {
	c.mu.Lock()
	c.cmode = "Alarm"
	c.mu.Unlock()
	c.emit(EventAlarm{Raw: line})
}

func (c *Controller) handleStatus(line string) {
	parsed, ok := parseStatusLine(line)
	if !ok {
		slog.Debug("unparsed status line", "line", line)
		return
	}

	c.mu.Lock()
	changed := parsed.mode != c.cmode
	c.cmode = parsed.mode
	if parsed.hasMPos {
		changed = changed || parsed.mpos != c.cmpos
		c.cmpos = parsed.mpos
	}
	if parsed.hasWPos {
		changed = changed || parsed.wpos != c.cwpos
		c.cwpos = parsed.wpos
	}
	finalMode, finalMPos, finalWPos := c.cmode, c.cmpos, c.cwpos
	c.mu.Unlock()

	if changed {
		c.emit(EventStateUpdate{Mode: finalMode, MPos: finalMPos, WPos: finalWPos})
	}
	if parsed.hasMPos {
		c.runStandstillWatchdog(finalMPos)
	}
}

type parsedStatus struct {
	mode             string
	mpos, wpos       Position
	hasMPos, hasWPos bool
}

// parseStatusLine tries the v1.1 pipe form first, falling back to the
// v0.9 comma form only on mismatch, per the resolved open question.
func parseStatusLine(line string) (parsedStatus, bool) {
	if m := reStatusV11.FindStringSubmatch(line); m != nil {
		ps := parsedStatus{mode: m[1]}
		for _, field := range strings.Split(m[2], "|") {
			if rest, found := strings.CutPrefix(field, "MPos:"); found {
				ps.mpos = parseTriplet(rest)
				ps.hasMPos = true
			} else if rest, found := strings.CutPrefix(field, "WPos:"); found {
				ps.wpos = parseTriplet(rest)
				ps.hasWPos = true
			}
		}
		return ps, true
	}
	if m := reStatusV09.FindStringSubmatch(line); m != nil {
		return parsedStatus{
			mode:    m[1],
			mpos:    Position{parseFloat(m[2]), parseFloat(m[3]), parseFloat(m[4])},
			wpos:    Position{parseFloat(m[5]), parseFloat(m[6]), parseFloat(m[7])},
			hasMPos: true,
			hasWPos: true,
		}, true
	}
	return parsedStatus{}, false
}

func parseTriplet(s string) Position {
	parts := strings.SplitN(s, ",", 3)
	var p Position
	for i := 0; i < 3 && i < len(parts); i++ {
		p[i] = parseFloat(parts[i])
	}
	return p
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

// runStandstillWatchdog tracks cmpos across status reports independent
// of the live c.cmpos field, which handleStatus has already updated by
// the time this runs.
func (c *Controller) runStandstillWatchdog(mpos Position) {
	c.mu.Lock()
	if !c.haveLastCMPos {
		c.haveLastCMPos = true
		c.lastWatchdogPos = mpos
		c.mu.Unlock()
		return
	}
	if mpos != c.lastWatchdogPos {
		c.lastWatchdogPos = mpos
		c.standstillCount = 0
		c.inStandstill = false
		c.mu.Unlock()
		c.emit(EventMovement{})
		return
	}
	c.standstillCount++
	fire := c.standstillCount > standstillThreshold && !c.inStandstill
	if fire {
		c.inStandstill = true
	}
	c.mu.Unlock()
	if fire {
		c.emit(EventStandstill{})
	}
}

func (c *Controller) handleBracket(line string) {
	if m := reParserState.FindStringSubmatch(line); m != nil {
		c.handleParserState(m)
		return
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	if strings.HasPrefix(inner, "MSG:") {
		return // informational, never dispatched as error
	}
	if m := reHashState.FindStringSubmatch(line); m != nil {
		c.handleHashState(m[1], m[2])
		return
	}
	slog.Debug("unrecognized bracket line", "line", line)
}

func (c *Controller) handleParserState(m []string) {
	var gps [12]string
	for i := 0; i < 12; i++ {
		gps[i] = m[i+1]
	}
	c.mu.Lock()
	c.parserStateRequested = false
	c.gc.PositionM = gcode.Position(c.cmpos)
	c.mu.Unlock()

	c.emit(EventGcodeParserStateUpdate{GPS: gps})
}

func (c *Controller) handleHashState(key, vals string) {
	parts := strings.Split(vals, ",")
	var p Position
	for i := 0; i < 3 && i < len(parts); i++ {
		p[i] = parseFloat(parts[i])
	}

	c.mu.Lock()
	if c.hashStateBatch == nil {
		c.hashStateBatch = make(map[string]Position)
	}
	c.hashStateBatch[key] = p
	if key != "PRB" {
		c.csOffsets[key] = p
		c.mu.Unlock()
		return
	}

	// PRB terminates the batch.
	batch := c.hashStateBatch
	c.hashStateBatch = nil
	requested := c.hashStateRequested
	c.hashStateRequested = false
	c.mu.Unlock()

	if requested {
		c.emit(EventHashStateUpdate{Offsets: batch})
	} else {
		c.emit(EventProbe{Pos: p})
	}
}

func (c *Controller) handleSetting(line string) {
	m := reSetting.FindStringSubmatch(line)
	k, err := strconv.Atoi(m[1])
	if err != nil {
		return
	}
	cmt := ""
	if m[3] != "" {
		cmt = strings.Trim(m[3], "()")
	}

	c.mu.Lock()
	c.settings[k] = Setting{Val: m[2], Cmt: cmt}
	last := c.LastSettingNumber
	var snapshot map[int]Setting
	if k == last {
		snapshot = make(map[int]Setting, len(c.settings))
		for sk, sv := range c.settings {
			snapshot[sk] = sv
		}
	}
	c.mu.Unlock()

	if snapshot != nil {
		c.emit(EventSettingsDownloaded{Settings: snapshot})
	}
}

// ---- status polling ----

func (c *Controller) requestHashState() {
	c.mu.Lock()
	c.hashStateRequested = true
	c.mu.Unlock()
}

func (c *Controller) requestParserState() {
	c.mu.Lock()
	c.parserStateRequested = true
	c.mu.Unlock()
}

// PollStart begins the periodic status-query loop.
func (c *Controller) PollStart() {
	c.mu.Lock()
	if c.pollStopCh != nil {
		c.mu.Unlock()
		return
	}
	c.pollStopCh = make(chan struct{})
	interval := c.PollInterval
	c.mu.Unlock()

	c.pollWG.Add(1)
	go c.pollLoop(interval)
}

func (c *Controller) pollLoop(interval time.Duration) {
	defer c.pollWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pollStopCh:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Controller) pollOnce() {
	c.mu.Lock()
	framer := c.framer
	hash := c.hashStateRequested
	parser := c.parserStateRequested
	c.mu.Unlock()

	if framer == nil {
		return
	}
	switch {
	case hash:
		framer.Write("$#")
	case parser:
		framer.Write("$G")
	default:
		framer.Write("?")
	}
}

// PollStop ends the polling loop and joins it.
func (c *Controller) PollStop() {
	c.mu.Lock()
	stopCh := c.pollStopCh
	c.pollStopCh = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		c.pollWG.Wait()
	}
}

// ---- sender ----

// SendImmediately bypasses the job buffer; it refuses while bytes are
// in flight or the firmware is in Alarm/Hold, and routes $# through the
// hash-state-requested flag so probe/hash disambiguation still works.
func (c *Controller) SendImmediately(line string) error {
	c.mu.Lock()
	inFlight := len(c.rxFifo)
	mode := c.cmode
	framer := c.framer
	c.mu.Unlock()

	if inFlight > 0 {
		return fmt.Errorf("refusing immediate send: %d commands in flight", inFlight)
	}
	if mode == "Alarm" || mode == "Hold" {
		return fmt.Errorf("refusing immediate send: cmode=%s", mode)
	}
	if framer == nil {
		return fmt.Errorf("not connected")
	}

	if line == "$#" {
		c.requestHashState()
		return nil
	}
	framer.Write(line)
	c.emit(EventWrite{Line: line})
	return nil
}

// SoftReset, Hold, Resume, KillAlarm and Homing are real-time/system commands.
func (c *Controller) SoftReset() error { return c.writeRealtime("\x18") }
func (c *Controller) Hold() error      { return c.writeRealtime("!") }
func (c *Controller) Resume() error    { return c.writeRealtime("~") }
func (c *Controller) KillAlarm() error { return c.SendImmediately("$X") }
func (c *Controller) Homing() error    { return c.SendImmediately("$H") }

func (c *Controller) writeRealtime(b string) error {
	c.mu.Lock()
	framer := c.framer
	c.mu.Unlock()
	if framer == nil {
		return fmt.Errorf("not connected")
	}
	framer.Write(b)
	return nil
}

// RequestSettings queries the persisted Grbl settings ($$).
func (c *Controller) RequestSettings() {
	c.mu.Lock()
	framer := c.framer
	c.mu.Unlock()
	if framer != nil {
		framer.Write("$$")
	}
}

// SetFeedOverride toggles whether the preprocessor rewrites F-words
// using RequestFeed instead of passing them through.
func (c *Controller) SetFeedOverride(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gc.FeedOverrideEnabled = enabled
}

// RequestFeed sets the override feed value used when feed override is enabled.
func (c *Controller) RequestFeed(f float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gc.RequestFeed = f
}

// SetIncrementalStreaming switches between incremental (one line in
// flight) and character-counting streaming modes.
func (c *Controller) SetIncrementalStreaming(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incrementalStreaming = enabled
}

// SetTarget selects "firmware" or "simulator" output.
func (c *Controller) SetTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Target = target
}

// Write appends already-preprocessed or raw lines to the job buffer
// without starting a job.
func (c *Controller) Write(lines []string) {
	c.mu.Lock()
	c.buffer = append(c.buffer, lines...)
	c.bufferSize = len(c.buffer)
	size := c.bufferSize
	c.mu.Unlock()
	c.emit(EventBufsizeChange{Size: size})
}

// Stream tidies and buffers a multi-line string, fractionizing as it goes.
func (c *Controller) Stream(text string) {
	lines := strings.Split(text, "\n")
	c.mu.Lock()
	for _, raw := range lines {
		for _, out := range c.preprocessLineLocked(raw) {
			if out != "" {
				c.buffer = append(c.buffer, out)
			}
		}
	}
	c.bufferSize = len(c.buffer)
	size := c.bufferSize
	c.mu.Unlock()
	c.emit(EventBufsizeChange{Size: size})
}

// preprocessLineLocked runs the static pipeline (tidy, parse, split,
// fractionize) used for buffering; variable substitution and feed
// override happen at send time since they depend on state that can
// change between buffering and sending.
func (c *Controller) preprocessLineLocked(raw string) []string {
	var out []string
	for _, single := range gcode.SplitLines(raw) {
		c.gc.SetLine(single)
		c.gc.Tidy()
		if c.gc.Line() == "" {
			continue
		}
		c.gc.ParseState()
		c.gc.FindVars()
		segs := c.gc.Fractionize()
		c.gc.Done()
		out = append(out, segs...)
	}
	return out
}

// LoadFile reads a G-code file from disk and buffers it exactly as Stream does.
func (c *Controller) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read gcode file: %w", err)
	}
	c.Stream(string(content))
	return nil
}

// JobRun starts (or resumes, from lineNr) streaming the job buffer.
func (c *Controller) JobRun(lineNr *int) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		slog.Warn("job_run called with an empty buffer")
		return
	}
	if lineNr != nil {
		c.currentLineNr = *lineNr
	}
	c.streamingEnabled = true
	c.streamingSrcEndReached = false
	c.jobFinished = false
	c.streamingComplete = false
	if c.currentJobID == "" {
		c.currentJobID = c.jobHistory.Start(len(c.buffer))
	}
	c.mu.Unlock()

	c.trySendMore()
}

// JobHalt pauses sending without clearing the buffer or cursor.
func (c *Controller) JobHalt() {
	c.mu.Lock()
	c.streamingEnabled = false
	id := c.currentJobID
	c.mu.Unlock()
	if id != "" {
		c.jobHistory.SetState(id, JobStateHalted)
	}
}

// JobNew clears the buffer, cursor, vars and error flag; modal state
// persists across jobs.
func (c *Controller) JobNew() {
	c.mu.Lock()
	c.buffer = nil
	c.bufferSize = 0
	c.currentLineNr = 0
	c.pending = nil
	c.rxFifo = nil
	c.errorFlag = false
	c.streamingSrcEndReached = false
	c.streamingComplete = false
	c.jobFinished = false
	c.currentJobID = ""
	c.gc.JobNew()
	c.mu.Unlock()
}

// Stash suspends the current buffer+cursor into the single reserved
// slot and starts a fresh job.
func (c *Controller) Stash() {
	c.mu.Lock()
	c.stash = &stashSlot{
		buffer:        c.buffer,
		bufferSize:    c.bufferSize,
		currentLineNr: c.currentLineNr,
	}
	c.mu.Unlock()
	c.JobNew()
}

// Unstash restores the previously stashed buffer+cursor.
func (c *Controller) Unstash() {
	c.mu.Lock()
	if c.stash == nil {
		c.mu.Unlock()
		return
	}
	c.buffer = c.stash.buffer
	c.bufferSize = c.stash.bufferSize
	c.currentLineNr = c.stash.currentLineNr
	c.stash = nil
	size := c.bufferSize
	c.mu.Unlock()
	c.emit(EventBufsizeChange{Size: size})
}

// trySendMore implements the sender decision procedure (spec §4.C).
// It must not early-return on streamingSrcEndReached alone: the cursor
// can hit the end of the buffer while a prepared line still sits in
// c.pending, rejected by the last room check, and that line must still
// go out once room frees up.
func (c *Controller) trySendMore() {
	c.mu.Lock()
	if c.jobFinished || !c.streamingEnabled {
		c.mu.Unlock()
		return
	}
	if c.Target == "simulator" {
		lines := append([]string(nil), c.buffer[c.currentLineNr:]...)
		c.currentLineNr = len(c.buffer)
		c.streamingSrcEndReached = true
		justFinished, jobID := c.maybeFinishJobLocked()
		c.mu.Unlock()
		c.emit(EventSimulationFinished{Lines: lines})
		if justFinished {
			if jobID != "" {
				c.jobHistory.Finish(jobID, JobStateFinished)
			}
			c.emit(EventJobCompleted{})
		}
		return
	}

	var toSend []rxEntry
	if c.incrementalStreaming {
		if len(c.rxFifo) == 0 {
			if entry, ok := c.takePendingLocked(); ok {
				toSend = append(toSend, entry)
				c.rxFifo = append(c.rxFifo, entry)
			}
		}
	} else {
		for {
			entry, ok := c.takePendingLocked()
			if !ok {
				break
			}
			sum := 0
			for _, e := range c.rxFifo {
				sum += e.byteLen
			}
			if sum+entry.byteLen > c.RxBufferSize {
				c.pending = &entry
				break
			}
			toSend = append(toSend, entry)
			c.rxFifo = append(c.rxFifo, entry)
		}
	}
	framer := c.framer
	jobID := c.currentJobID
	c.mu.Unlock()

	for _, e := range toSend {
		if framer != nil {
			framer.Write(e.line)
		}
		c.emit(EventLineSent{JobID: jobID, LineNr: e.lineNr, Line: e.line})
		c.emit(EventLineNumberChange{LineNr: e.lineNr})
	}

	c.mu.Lock()
	justFinished, jobID := c.maybeFinishJobLocked()
	c.mu.Unlock()
	if justFinished {
		if jobID != "" {
			c.jobHistory.Finish(jobID, JobStateFinished)
		}
		c.emit(EventJobCompleted{})
	}
}

// takePendingLocked returns the next line to transmit, preparing it
// (advancing the cursor through the preprocessor) if nothing was
// already staged by a previous call that found no room in the RX window.
func (c *Controller) takePendingLocked() (rxEntry, bool) {
	if c.pending != nil {
		e := *c.pending
		c.pending = nil
		return e, true
	}
	return c.advanceCursorLocked()
}

// advanceCursorLocked reads buffer[cursor], runs the send-time
// preprocessor stages (substitute_vars, parse_state, override_feed,
// scale_spindle) and commits the result via done(), then increments
// the cursor.
func (c *Controller) advanceCursorLocked() (rxEntry, bool) {
	if c.currentLineNr >= len(c.buffer) {
		c.streamingSrcEndReached = true
		return rxEntry{}, false
	}
	lineNr := c.currentLineNr
	raw := c.buffer[lineNr]

	c.gc.SetLine(raw)
	c.gc.SubstituteVars()
	if c.gc.Line() == "" {
		// substitute_vars blanks the line only on an undefined #N
		// reference; halt the job until the user resolves it.
		c.streamingSrcEndReached = true
		c.streamingEnabled = false
		return rxEntry{}, false
	}

	c.gc.ParseState()
	c.gc.OverrideFeed()
	c.gc.ScaleSpindle()
	processed := c.gc.Line()
	c.gc.Done()

	c.currentLineNr++
	if c.currentLineNr >= len(c.buffer) {
		c.streamingSrcEndReached = true
	}

	return rxEntry{byteLen: len(processed) + 1, line: processed, lineNr: lineNr}, true
}

// Snapshot is a read-only view of engine state for the HTTP status endpoint.
type Snapshot struct {
	CMode           string
	CMPos           Position
	CWPos           Position
	JobFinished     bool
	RxBufferPercent int
	ProgressPercent int
}

// JobHistoryList returns every recorded job run, oldest first, for the
// HTTP control surface's job-history route.
func (c *Controller) JobHistoryList() []JobRecord {
	return c.jobHistory.List()
}

// CurrentJob returns the job run still in progress, if any, so the
// status endpoint can report which job is active without the caller
// threading job IDs through every call.
func (c *Controller) CurrentJob() (JobRecord, bool) {
	return c.jobHistory.Current()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	progress := 0
	if c.bufferSize > 0 {
		progress = c.currentLineNr * 100 / c.bufferSize
	}
	return Snapshot{
		CMode:           c.cmode,
		CMPos:           c.cmpos,
		CWPos:           c.cwpos,
		JobFinished:     c.jobFinished,
		RxBufferPercent: c.rxFillPercentLocked(),
		ProgressPercent: progress,
	}
}
