package downsample

import (
	"slices"
	"time"
)

// Downsample reduces series for plotting in w: samples are ordered by
// time, each timestamp is cut down to its extrema, and the result is
// simplified with RDP in screen space. The samples returned are taken from
// the input unchanged; only which ones survive depends on w.
func Downsample(series []Sample, w Window, epsilon float64) []Sample {
	if len(series) == 0 {
		return nil
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}

	sorted := slices.Clone(series)
	slices.SortStableFunc(sorted, func(a, b Sample) int {
		return a.T.Compare(b.T)
	})

	reduced := SimplifyByExtrema(sorted)
	keep := rdpKeep(TransformToScreen(reduced, w), epsilon)

	out := make([]Sample, 0, len(reduced))
	for i, s := range reduced {
		if keep[i] {
			out = append(out, s)
		}
	}
	return out
}

// Bounds returns the earliest and latest timestamps across all series.
// ok is false when every series is empty.
func Bounds(series ...[]Sample) (tmin, tmax time.Time, ok bool) {
	for _, s := range series {
		for _, sample := range s {
			if !ok || sample.T.Before(tmin) {
				tmin = sample.T
			}
			if !ok || sample.T.After(tmax) {
				tmax = sample.T
			}
			ok = true
		}
	}
	return tmin, tmax, ok
}
