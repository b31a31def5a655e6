package downsample

import "time"

// Screen defaults used by the history endpoint.
const (
	DefaultVMin    = 0
	DefaultVMax    = 140
	DefaultWidth   = 1600
	DefaultHeight  = 400
	DefaultEpsilon = 2.0
)

// Point is a sample projected into screen space.
type Point struct {
	X, Y float64
}

// Window maps a time range and a value range onto a Width x Height
// screen, so one pixel tolerance applies to both axes.
type Window struct {
	Start, End    time.Time
	VMin, VMax    float64
	Width, Height float64
}

// DefaultWindow returns the standard dashboard window over [start, end].
func DefaultWindow(start, end time.Time) Window {
	return Window{
		Start:  start,
		End:    end,
		VMin:   DefaultVMin,
		VMax:   DefaultVMax,
		Width:  DefaultWidth,
		Height: DefaultHeight,
	}
}

func (w Window) spanMillis() float64 {
	return float64(w.End.Sub(w.Start).Milliseconds())
}

// TransformToScreen projects samples into w. Time is measured in whole
// milliseconds. A zero-width time or value span maps that axis to 0.
func TransformToScreen(series []Sample, w Window) []Point {
	timeSpan := w.spanMillis()
	valueSpan := w.VMax - w.VMin

	points := make([]Point, len(series))
	for i, s := range series {
		var p Point
		if timeSpan != 0 {
			p.X = w.Width * float64(s.T.Sub(w.Start).Milliseconds()) / timeSpan
		}
		if valueSpan != 0 {
			p.Y = w.Height * (s.V - w.VMin) / valueSpan
		}
		points[i] = p
	}
	return points
}

// TransformToSample is the inverse of TransformToScreen.
func TransformToSample(points []Point, w Window) []Sample {
	timeSpan := w.spanMillis()
	valueSpan := w.VMax - w.VMin

	series := make([]Sample, len(points))
	for i, p := range points {
		s := Sample{T: w.Start, V: w.VMin}
		if w.Width != 0 {
			ms := timeSpan * p.X / w.Width
			s.T = w.Start.Add(time.Duration(ms * float64(time.Millisecond)))
		}
		if w.Height != 0 {
			s.V = w.VMin + valueSpan*p.Y/w.Height
		}
		series[i] = s
	}
	return series
}
