// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gcode implements the line-oriented G-code preprocessor and
// modal-state mirror: the part of the host that keeps track of what Grbl
// itself would be tracking (motion mode, distance mode, plane, feed,
// position) and transforms each line before it is sent.
package gcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Position is a 3-tuple of axis values whose X/Y/Z role depends on the
// active plane mode.
type Position [3]float64

const (
	AxisX = 0
	AxisY = 1
	AxisZ = 2
)

var (
	parenCommentRe = regexp.MustCompile(`\([^)]*\)`)
	toolChangeRe   = regexp.MustCompile(`T\d+`)
	m6Re           = regexp.MustCompile(`M0*6(?:[^0-9]|$)`)
	varAssignRe    = regexp.MustCompile(`#\d+\s*=`)
	motionRe       = regexp.MustCompile(`G(\d+)`)
	distanceRe     = regexp.MustCompile(`G(90|91)(?:[^0-9]|$)`)
	planeRe        = regexp.MustCompile(`G(17|18|19)(?:[^0-9]|$)`)
	wordRe         = regexp.MustCompile(`([A-Z])([-+]?[0-9]*\.?[0-9]+)`)
	varRefRe       = regexp.MustCompile(`#(\d+)`)
)

// Machine holds the modal state mirrored from Grbl and the staged line
// under transformation.
type Machine struct {
	MotionMode   int    // 0,1,2,3 ; -1 = none seen yet
	DistanceMode string // "G90" or "G91"
	PlaneMode    string // "G17", "G18" or "G19"

	PositionM Position // current machine position
	Target    Position // target of the line currently staged
	Offset    Position // I,J,K as given on the staged line

	FeedLast            float64
	FeedCurrent         float64
	RequestFeed         float64
	FeedOverrideEnabled bool

	SpindleScale float64

	Vars      map[string]*string
	CSOffsets map[string]Position

	FractLinearThreshold  float64
	FractLinearSegmentLen float64
	ArcTolerance          float64

	// OnVarUndefined and OnFeedChange are owner-installed hooks; the
	// machine never holds a back-reference to its owner, matching the
	// rule that the preprocessor cannot close a reference cycle with
	// whatever drives it.
	OnVarUndefined func(key string)
	OnFeedChange   func(feed float64)
	OnArcError     func(reason string)

	// clockwise reports whether the staged line's motion mode is G2
	// (clockwise); set by ParseState, read by fractionizeArc.
	clockwise bool

	line    string
	written [3]bool
}

// New returns a Machine with Grbl's power-on defaults.
func New() *Machine {
	return &Machine{
		MotionMode:            -1,
		DistanceMode:          "G90",
		PlaneMode:             "G17",
		SpindleScale:          1.0,
		Vars:                  make(map[string]*string),
		CSOffsets:             make(map[string]Position),
		FractLinearThreshold:  0.5,
		FractLinearSegmentLen: 0.5,
		ArcTolerance:          0.004,
	}
}

// SetLine stages a line for processing by the remaining operations.
func (m *Machine) SetLine(s string) {
	m.line = s
	m.written = [3]bool{}
}

// Line returns the currently staged line.
func (m *Machine) Line() string { return m.line }

// Strip removes all whitespace, including internal spaces.
func Strip(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// Strip applies Strip to the staged line.
func (m *Machine) Strip() {
	m.line = Strip(m.line)
}

func stripComments(s string) string {
	s = parenCommentRe.ReplaceAllString(s, "")
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		if !strings.HasPrefix(s[idx:], ";_gerbil") {
			s = s[:idx]
		}
	}
	if idx := strings.IndexByte(s, '%'); idx >= 0 {
		if !strings.HasPrefix(s[idx:], "%_gerbil") {
			s = s[:idx]
		}
	}
	return s
}

func stripUnsupported(s string) string {
	if toolChangeRe.MatchString(s) || m6Re.MatchString(s) || varAssignRe.MatchString(s) {
		return ""
	}
	return s
}

// Tidy strips comments (preserving ;_gerbil/%_gerbil sentinels), then
// whitespace, then blanks lines with unsupported words (tool change, M6,
// variable assignment).
func (m *Machine) Tidy() {
	s := stripComments(m.line)
	s = Strip(s)
	m.line = stripUnsupported(s)
}

// words extracts every letter/number pair on the staged line into a map,
// last occurrence wins (matches how Grbl parses a block).
func words(s string) map[byte]float64 {
	out := make(map[byte]float64)
	for _, match := range wordRe.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(match[2], 64)
		if err != nil {
			continue
		}
		out[match[1][0]] = v
	}
	return out
}

// ParseState updates modal state from the staged line and computes the
// per-axis target for this line.
func (m *Machine) ParseState() {
	if mm := motionRe.FindStringSubmatch(m.line); mm != nil {
		if n, err := strconv.Atoi(mm[1]); err == nil && n >= 0 && n <= 3 {
			m.MotionMode = n
			m.clockwise = n == 2
		}
	}
	if dm := distanceRe.FindStringSubmatch(m.line); dm != nil {
		m.DistanceMode = "G" + dm[1]
	}
	if pm := planeRe.FindStringSubmatch(m.line); pm != nil {
		m.PlaneMode = "G" + pm[1]
	}

	w := words(m.line)
	m.Target = m.PositionM
	for i, letter := range []byte{'X', 'Y', 'Z'} {
		if v, ok := w[letter]; ok {
			m.written[i] = true
			if m.DistanceMode == "G91" {
				m.Target[i] = m.PositionM[i] + v
			} else {
				m.Target[i] = v
			}
		}
	}
	m.Offset = Position{}
	for i, letter := range []byte{'I', 'J', 'K'} {
		if v, ok := w[letter]; ok {
			m.Offset[i] = v
		}
	}
	if f, ok := w['F']; ok {
		m.FeedCurrent = f
	}
}

// FindVars registers any #N references on the staged line as unset.
func (m *Machine) FindVars() {
	for _, match := range varRefRe.FindAllStringSubmatch(m.line, -1) {
		if _, ok := m.Vars[match[1]]; !ok {
			m.Vars[match[1]] = nil
		}
	}
}

// SubstituteVars replaces each #N with its stored value. If any referenced
// N is unset, the staged line is blanked and OnVarUndefined fires.
func (m *Machine) SubstituteVars() {
	if !strings.ContainsRune(m.line, '#') {
		return
	}
	undefined := ""
	out := varRefRe.ReplaceAllStringFunc(m.line, func(tok string) string {
		key := varRefRe.FindStringSubmatch(tok)[1]
		val := m.Vars[key]
		if val == nil {
			if undefined == "" {
				undefined = key
			}
			return tok
		}
		return *val
	})
	if undefined != "" {
		m.line = ""
		if m.OnVarUndefined != nil {
			m.OnVarUndefined(undefined)
		}
		return
	}
	m.line = out
}

var fWordRe = regexp.MustCompile(`F[-+]?[0-9]*\.?[0-9]+`)

// OverrideFeed implements the two override modes described for the feed
// preprocessor stage.
func (m *Machine) OverrideFeed() {
	w := words(m.line)
	f, hasF := w['F']

	if !m.FeedOverrideEnabled {
		if hasF && f != m.FeedLast {
			m.FeedLast = f
			if m.OnFeedChange != nil {
				m.OnFeedChange(f)
			}
		}
		return
	}

	if m.RequestFeed <= 0 {
		return
	}
	m.line = fWordRe.ReplaceAllString(m.line, "")
	if m.RequestFeed != m.FeedLast {
		m.line += fmt.Sprintf("F%.1f", m.RequestFeed)
		m.FeedLast = m.RequestFeed
	}
}

// ScaleSpindle multiplies any S-word by SpindleScale; identity by default.
func (m *Machine) ScaleSpindle() {
	if m.SpindleScale == 1.0 {
		return
	}
	sRe := regexp.MustCompile(`S([-+]?[0-9]*\.?[0-9]+)`)
	m.line = sRe.ReplaceAllStringFunc(m.line, func(tok string) string {
		v, err := strconv.ParseFloat(tok[1:], 64)
		if err != nil {
			return tok
		}
		return "S" + formatNum(v*m.SpindleScale)
	})
}

// SplitLines returns the physical line unchanged as a single-element
// slice. It does not split anything apart: a same-line comment stays
// attached to its block, and several commands on one line stay on one
// line.
func SplitLines(s string) []string {
	return []string{s}
}

// Done commits Target to PositionM for axes that were written on the
// staged line, and clears motion mode if it is not modal (G0/G1 stay
// modal; arcs do not).
func (m *Machine) Done() {
	for i := range m.PositionM {
		if m.written[i] {
			m.PositionM[i] = m.Target[i]
		}
	}
	if m.MotionMode != 0 && m.MotionMode != 1 {
		m.MotionMode = -1
	}
}

// Reset restores power-on defaults, used on a boot banner.
func (m *Machine) Reset() {
	m.MotionMode = -1
	m.DistanceMode = "G90"
	m.PlaneMode = "G17"
	m.PositionM = Position{}
	m.Target = Position{}
	m.Offset = Position{}
	m.FeedLast = 0
	m.FeedCurrent = 0
	m.RequestFeed = 0
	m.CSOffsets = make(map[string]Position)
}

// JobNew clears variables and per-job line state but leaves modal state
// alone, mirroring that modality persists across jobs in Grbl.
func (m *Machine) JobNew() {
	m.Vars = make(map[string]*string)
	m.line = ""
	m.written = [3]bool{}
}

// OnbootInit is the boot-time hook; it resets the machine to power-on
// defaults. Present for symmetry with the engine's own onboot handling.
func (m *Machine) OnbootInit() {
	m.Reset()
}

// formatNum renders a float with 3-decimal precision, trailing zeros and
// a trailing dot stripped.
func formatNum(v float64) string {
	s := strconv.FormatFloat(v, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

