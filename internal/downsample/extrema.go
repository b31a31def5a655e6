package downsample

// SimplifyByExtrema keeps only the minimum and maximum of each run of
// samples sharing a timestamp, in the order they arrived. A run whose
// values are all equal collapses to one sample. When a value ties the
// current extreme, the later sample wins, so the order follows where the
// line leaves each extreme.
func SimplifyByExtrema(series []Sample) []Sample {
	out := make([]Sample, 0, len(series))
	for start := 0; start < len(series); {
		end := groupEnd(series, start)

		minIdx, maxIdx := start, start
		for i := start + 1; i < end; i++ {
			v := series[i].V
			if v <= series[minIdx].V {
				minIdx = i
			}
			if v >= series[maxIdx].V {
				maxIdx = i
			}
		}

		switch {
		case series[minIdx].V == series[maxIdx].V:
			out = append(out, series[maxIdx])
		case minIdx < maxIdx:
			out = append(out, series[minIdx], series[maxIdx])
		default:
			out = append(out, series[maxIdx], series[minIdx])
		}
		start = end
	}
	return out
}

// SimplifyByAverage replaces each run of samples sharing a timestamp with
// their mean.
func SimplifyByAverage(series []Sample) []Sample {
	out := make([]Sample, 0, len(series))
	for start := 0; start < len(series); {
		end := groupEnd(series, start)
		if end-start == 1 {
			out = append(out, series[start])
			start = end
			continue
		}
		var total float64
		for _, s := range series[start:end] {
			total += s.V
		}
		out = append(out, Sample{T: series[start].T, V: total / float64(end-start)})
		start = end
	}
	return out
}

// groupEnd returns the index just past the run of samples that share
// series[start].T.
func groupEnd(series []Sample, start int) int {
	end := start + 1
	for end < len(series) && series[end].T.Equal(series[start].T) {
		end++
	}
	return end
}
