// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package gcode

import (
	"fmt"
	"math"
)

// planeAxes returns the (axis0, axis1, linear) index triple for the
// active plane, per Grbl's convention: G17 works in XY with Z as the
// helical axis, G18 in ZX with Y helical, G19 in YZ with X helical.
func planeAxes(plane string) (axis0, axis1, linear int) {
	switch plane {
	case "G18":
		return AxisZ, AxisX, AxisY
	case "G19":
		return AxisY, AxisZ, AxisX
	default:
		return AxisX, AxisY, AxisZ
	}
}

const arcAngularEpsilon = 5e-7

// fractionizeArc follows Grbl's mc_arc to turn the staged arc into a
// sequence of absolute G1 chords. It is authored from the algorithm
// description rather than ported from a reference source, since no
// retrieved implementation of mc_arc was available.
func (m *Machine) fractionizeArc() []string {
	axis0, axis1, linear := planeAxes(m.PlaneMode)

	start0, start1 := m.PositionM[axis0], m.PositionM[axis1]
	target0, target1 := m.Target[axis0], m.Target[axis1]

	var offset0, offset1 float64
	origWords := words(m.line)

	if r, hasR := origWords['R']; hasR {
		x := target0 - start0
		y := target1 - start1
		dSq := x*x + y*y
		radius := r
		h2 := 4.0*radius*radius - dSq
		if h2 < 0 {
			if m.OnArcError != nil {
				m.OnArcError("radius arc: negative discriminant")
			}
			return []string{m.line}
		}
		h := -math.Sqrt(h2) / math.Sqrt(dSq)
		if m.clockwise != (radius < 0) {
			h = -h
		}
		if radius < 0 {
			radius = -radius
		}
		offset0 = 0.5 * (x - y*h)
		offset1 = 0.5 * (y + x*h)
	} else {
		offset0 = m.Offset[axis0]
		offset1 = m.Offset[axis1]
		radius := math.Hypot(offset0, offset1)
		targetR := math.Hypot(target0-(start0+offset0), target1-(start1+offset1))
		delta := math.Abs(targetR - radius)
		if delta > 0.5 || (radius > 0 && delta/radius > 0.001) {
			if m.OnArcError != nil {
				m.OnArcError(fmt.Sprintf("arc endpoint mismatch: delta=%.4f radius=%.4f", delta, radius))
			}
			return []string{m.line}
		}
	}

	center0 := start0 + offset0
	center1 := start1 + offset1

	r0 := -offset0
	r1 := -offset1
	rt0 := target0 - center0
	rt1 := target1 - center1

	angularTravel := math.Atan2(r0*rt1-r1*rt0, r0*rt0+r1*rt1)
	if m.clockwise {
		if angularTravel > -arcAngularEpsilon {
			angularTravel -= 2 * math.Pi
		}
	} else {
		if angularTravel < arcAngularEpsilon {
			angularTravel += 2 * math.Pi
		}
	}

	radius := math.Hypot(r0, r1)
	const arcTolerance = 0.004
	segments := int(math.Floor(math.Abs(0.5*angularTravel*radius) / math.Sqrt(arcTolerance*(2*radius-arcTolerance))))
	if segments < 1 {
		segments = 1
	}

	origDistanceMode := m.DistanceMode
	thetaPerSegment := angularTravel / float64(segments)
	linearStart := m.PositionM[linear]
	linearPerSegment := (m.Target[linear] - linearStart) / float64(segments)

	sVal, hasS := origWords['S']

	out := make([]string, 0, segments+6)
	out = append(out, fmt.Sprintf(";_gerbil.arc_begin[%s]", m.line))
	if origDistanceMode == "G91" {
		out = append(out, "G90")
	}

	axisLetter := [3]byte{'X', 'Y', 'Z'}
	var prev Position
	prev[axis0], prev[axis1], prev[linear] = start0, start1, linearStart

	for i := 1; i <= segments; i++ {
		var point Position
		if i == segments {
			point[axis0] = target0
			point[axis1] = target1
			point[linear] = m.Target[linear]
		} else {
			theta := thetaPerSegment * float64(i)
			cosT, sinT := math.Cos(theta), math.Sin(theta)
			point[axis0] = center0 + r0*cosT - r1*sinT
			point[axis1] = center1 + r0*sinT + r1*cosT
			point[linear] = linearStart + linearPerSegment*float64(i)
		}

		line := ""
		if i == 1 {
			line += "G1"
			if hasS {
				line += "S" + formatNum(sVal)
			}
		}
		for _, idx := range []int{axis0, axis1, linear} {
			if point[idx] != prev[idx] {
				line += string(axisLetter[idx]) + formatNum(point[idx])
			}
		}
		out = append(out, line)
		prev = point
	}

	if origDistanceMode == "G91" {
		out = append(out, "G91")
	}
	out = append(out, ";_gerbil.arc_end")
	return out
}
