// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package gcode

import (
	"fmt"
	"math"
)

// Fractionize breaks the staged line into a sequence of shorter G1
// segments when it is a long linear move or an arc; every other line
// passes through as a single-element slice. ParseState must have been
// called first so Target/PositionM/Offset reflect this line.
func (m *Machine) Fractionize() []string {
	switch m.MotionMode {
	case 1:
		return m.fractionizeLinear()
	case 2, 3:
		return m.fractionizeArc()
	default:
		if m.line == "" {
			return nil
		}
		return []string{m.line}
	}
}

func axisDelta(from, to Position) (dx, dy, dz float64) {
	return to[0] - from[0], to[1] - from[1], to[2] - from[2]
}

func (m *Machine) fractionizeLinear() []string {
	dx, dy, dz := axisDelta(m.PositionM, m.Target)
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if dist <= m.FractLinearThreshold {
		if m.line == "" {
			return nil
		}
		return []string{m.line}
	}

	n := int(math.Floor(dist / m.FractLinearSegmentLen))
	if n < 1 {
		n = 1
	}

	origWords := words(m.line)
	sVal, hasS := origWords['S']

	vec := Position{dx / float64(n), dy / float64(n), dz / float64(n)}
	prev := m.PositionM
	out := make([]string, 0, n+4)
	out = append(out, fmt.Sprintf(";_gerbil.line_begin:'%s'", m.line))
	out = append(out, ";_gerbil.color_begin[0,180,255]")

	for k := 1; k <= n; k++ {
		point := Position{
			m.PositionM[0] + vec[0]*float64(k),
			m.PositionM[1] + vec[1]*float64(k),
			m.PositionM[2] + vec[2]*float64(k),
		}
		if k == n {
			point = m.Target
		}
		line := ""
		if k == 1 {
			line += "G1"
			if hasS {
				line += "S" + formatNum(sVal)
			}
		}
		for i, letter := range []byte{'X', 'Y', 'Z'} {
			if point[i] != prev[i] {
				line += string(letter) + formatNum(point[i])
			}
		}
		out = append(out, line)
		prev = point
	}

	out = append(out, ";_gerbil.color_end")
	out = append(out, ";_gerbil.line_end")
	return out
}
