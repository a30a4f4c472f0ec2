// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package gcode

import (
	"testing"

	"pgregory.net/rapid"
)

func TestTidyIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[GMXYZ0-9. ;()]{0,40}`).Draw(t, "line")
		m := New()
		m.SetLine(s)
		m.Tidy()
		once := m.Line()
		m.SetLine(once)
		m.Tidy()
		twice := m.Line()
		if once != twice {
			t.Fatalf("tidy not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestStripIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[A-Z0-9. ]{0,40}`).Draw(t, "line")
		once := Strip(s)
		twice := Strip(once)
		if once != twice {
			t.Fatalf("strip not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestTidyPreservesGerbilComment(t *testing.T) {
	m := New()
	m.SetLine("G1X1 ;_gerbil.line_begin:'orig'")
	m.Tidy()
	if m.Line() != "G1X1;_gerbil.line_begin:'orig'" {
		t.Errorf("gerbil sentinel not preserved, got %q", m.Line())
	}
}

func TestTidyStripsOrdinaryComment(t *testing.T) {
	m := New()
	m.SetLine("G1 X1 ; move to start")
	m.Tidy()
	if m.Line() != "G1X1" {
		t.Errorf("expected G1X1, got %q", m.Line())
	}
}

func TestTidyStripsUnsupported(t *testing.T) {
	cases := []string{"T1", "M6", "#1=5"}
	for _, c := range cases {
		m := New()
		m.SetLine(c)
		m.Tidy()
		if m.Line() != "" {
			t.Errorf("%q: expected blank, got %q", c, m.Line())
		}
	}
}

func TestVarSubstitution(t *testing.T) {
	m := New()
	one := "5"
	m.Vars["1"] = &one
	m.SetLine("G1X#1Y#2")
	m.FindVars()
	if _, ok := m.Vars["2"]; !ok {
		t.Fatalf("expected var 2 registered as unset")
	}

	var undef string
	m.OnVarUndefined = func(key string) { undef = key }
	m.SubstituteVars()
	if undef != "2" {
		t.Errorf("expected on_preprocessor_var_undefined(2), got %q", undef)
	}
	if m.Line() != "" {
		t.Errorf("expected blanked line, got %q", m.Line())
	}
}

func TestLinearFractionization(t *testing.T) {
	m := New()
	m.SetLine("G1 X5")
	m.Tidy()
	m.ParseState()
	segs := m.Fractionize()

	// Only the first segment carries the G1 word; every non-sentinel
	// line is one segment.
	var segCount int
	for _, s := range segs {
		if len(s) > 0 && s[0] != ';' {
			segCount++
		}
	}
	if segCount != 10 {
		t.Errorf("expected 10 segments, got %d (%v)", segCount, segs)
	}
	last := segs[len(segs)-3] // last segment, before color_end/line_end sentinels
	if last != "X5" {
		t.Errorf("expected final segment X5, got %q", last)
	}
}

func TestArcFractionizationHalfTurn(t *testing.T) {
	m := New()
	m.PlaneMode = "G17"
	m.SetLine("G2 X10 Y0 I5 J0")
	m.Tidy()
	m.ParseState()
	segs := m.Fractionize()
	if len(segs) < 3 {
		t.Fatalf("expected a bracketed multi-line arc, got %v", segs)
	}
	if segs[0] != ";_gerbil.arc_begin[G2X10Y0I5J0]" {
		t.Errorf("unexpected arc_begin sentinel: %q", segs[0])
	}
	if segs[len(segs)-1] != ";_gerbil.arc_end" {
		t.Errorf("unexpected arc_end sentinel: %q", segs[len(segs)-1])
	}
}

func TestFeedOverrideEmitsOnlyOnChange(t *testing.T) {
	m := New()
	var changes int
	m.OnFeedChange = func(float64) { changes++ }

	m.SetLine("G1X1F100")
	m.OverrideFeed()
	m.SetLine("G1X2F100")
	m.OverrideFeed()
	m.SetLine("G1X3F200")
	m.OverrideFeed()

	if changes != 2 {
		t.Errorf("expected 2 feed-change events, got %d", changes)
	}
}
