package downsample

import (
	"container/heap"
	"time"
)

// Sample is one timestamped value of a series.
type Sample struct {
	T time.Time
	V float64
}

// Row is the joined view of N series at one timestamp. Values[n] is nil
// when series n has no sample at T.
type Row struct {
	T      time.Time
	Values []*float64
}

type cursor struct {
	series int
	index  int
	t      time.Time
}

// cursorHeap orders the head sample of each series by time, then by
// series index.
type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if h[i].t.Equal(h[j].t) {
		return h[i].series < h[j].series
	}
	return h[i].t.Before(h[j].t)
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// FullOuterJoin merges time-ordered series into rows by timestamp. A
// series may hold several samples at one timestamp (the extrema of a
// group); the k-th sample of each series at T lands in the k-th row for
// T, so a timestamp gets as many rows as its largest group.
func FullOuterJoin(series [][]Sample) []Row {
	h := make(cursorHeap, 0, len(series))
	for n, s := range series {
		if len(s) > 0 {
			h = append(h, cursor{series: n, t: s[0].T})
		}
	}
	heap.Init(&h)

	var rows []Row
	group := 0 // first row of the current timestamp
	for h.Len() > 0 {
		c := heap.Pop(&h).(cursor)
		sample := series[c.series][c.index]
		if next := c.index + 1; next < len(series[c.series]) {
			heap.Push(&h, cursor{series: c.series, index: next, t: series[c.series][next].T})
		}

		if len(rows) == 0 || !rows[group].T.Equal(sample.T) {
			group = len(rows)
		}
		r := group
		for r < len(rows) && rows[r].Values[c.series] != nil {
			r++
		}
		if r == len(rows) {
			rows = append(rows, Row{T: sample.T, Values: make([]*float64, len(series))})
		}
		v := sample.V
		rows[r].Values[c.series] = &v
	}
	return rows
}
