package downsample

import "math"

// lineDistance is the perpendicular distance from p to the infinite line
// through a and b, or the distance to a when a and b coincide.
func lineDistance(p, a, b Point) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	x := p.X - a.X
	y := p.Y - a.Y

	denom := dx*dx + dy*dy
	if denom == 0 {
		return math.Hypot(x, y)
	}
	frac := (x*dx + y*dy) / denom
	return math.Hypot(x-frac*dx, y-frac*dy)
}

type span struct{ i, j int }

// rdpKeep marks the indices of polyline that survive simplification.
func rdpKeep(polyline []Point, epsilon float64) []bool {
	keep := make([]bool, len(polyline))
	if len(polyline) == 0 {
		return keep
	}

	stack := []span{{0, len(polyline) - 1}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		keep[s.i] = true
		keep[s.j] = true
		if s.j-s.i+1 <= 2 {
			continue
		}

		start, end := polyline[s.i], polyline[s.j]
		maxDist, maxIdx := 0.0, s.i
		for k := s.i + 1; k < s.j; k++ {
			if d := lineDistance(polyline[k], start, end); d > maxDist {
				maxDist, maxIdx = d, k
			}
		}
		if maxDist >= epsilon && maxDist > 0 {
			// Right half first so the left half is processed next.
			stack = append(stack, span{maxIdx, s.j}, span{s.i, maxIdx})
		}
	}
	return keep
}

// SimplifyRDP reduces polyline with Ramer-Douglas-Peucker so that no
// dropped point lies further than epsilon from the simplified line.
func SimplifyRDP(polyline []Point, epsilon float64) []Point {
	if len(polyline) <= 2 {
		return polyline
	}
	keep := rdpKeep(polyline, epsilon)
	out := make([]Point, 0, len(polyline))
	for i, p := range polyline {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}
