package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/downsample"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/timestamp"
)

// seriesRef names one message series as "<id>:<name>".
type seriesRef struct {
	ID   uint16
	Name string
}

type historyQuery struct {
	series []seriesRef
	span   timestamp.Span
	join   bool
}

// historyResponse is the body of /data/history. Each entry of Data is the
// downsampled series as [timestamp, value] pairs, in request order.
type historyResponse struct {
	Data [][][2]any `json:"data"`
	TMin *string    `json:"tmin"`
	TMax *string    `json:"tmax"`
	Rows [][]any    `json:"rows,omitempty"`
}

func (s *Server) parseHistoryQuery(query url.Values) (historyQuery, *requestError) {
	var q historyQuery
	refs := query["m"]
	if len(refs) == 0 {
		return q, badRequest("Missing parameter 'm'")
	}
	for _, ref := range refs {
		rawID, name, ok := strings.Cut(ref, ":")
		if !ok || name == "" {
			return q, badRequest("series '%s' is not of the form <id>:<name>", ref)
		}
		id, err := descriptor.ParseID(rawID)
		if err != nil {
			return q, notFound("unknown packet %s", rawID)
		}
		desc, ok := s.table.Lookup(id)
		if !ok {
			return q, notFound("unknown packet %s", descriptor.FormatID(id))
		}
		if !desc.HasMessage(name) {
			return q, notFound("unknown message '%s' in packet %s", name, desc.Key())
		}
		q.series = append(q.series, seriesRef{ID: id, Name: name})
	}

	span, err := timestamp.ParseSpan(query.Get("ts"), s.now().UTC())
	if err != nil {
		return q, badRequest("ts: %v", err)
	}
	if !span.Bounded() {
		return q, badRequest("ts needs a start or an end")
	}
	q.span = span
	q.join = query.Get("join") == "1" || query.Get("join") == "true"
	return q, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, rerr := s.parseHistoryQuery(r.URL.Query())
	if rerr != nil {
		writeError(w, rerr.Status, rerr.Reason)
		return
	}
	resp, err := s.history(r.Context(), q)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) history(ctx context.Context, q historyQuery) (*historyResponse, error) {
	raw := make([][]downsample.Sample, len(q.series))
	for i, ref := range q.series {
		recs, err := s.store.Query(ctx, ref.ID, ref.Name, q.span.Start, q.span.End)
		if err != nil {
			return nil, err
		}
		raw[i] = samples(recs)
	}

	resp := &historyResponse{Data: make([][][2]any, len(raw))}
	for i := range resp.Data {
		resp.Data[i] = [][2]any{}
	}
	tmin, tmax, ok := downsample.Bounds(raw...)
	if !ok {
		return resp, nil
	}
	resp.TMin = formatTime(tmin)
	resp.TMax = formatTime(tmax)

	win := s.window(tmin, tmax, q.span)
	reduced := make([][]downsample.Sample, len(raw))
	for i, series := range raw {
		reduced[i] = downsample.Downsample(series, win, s.config.Epsilon)
		pairs := make([][2]any, 0, len(reduced[i]))
		for _, sample := range reduced[i] {
			pairs = append(pairs, [2]any{sample.T.UTC().Format(TimeLayout), sample.V})
		}
		resp.Data[i] = pairs
	}

	if q.join {
		for _, row := range downsample.FullOuterJoin(reduced) {
			out := make([]any, 0, len(row.Values)+1)
			out = append(out, row.T.UTC().Format(TimeLayout))
			for _, v := range row.Values {
				if v == nil {
					out = append(out, nil)
				} else {
					out = append(out, *v)
				}
			}
			resp.Rows = append(resp.Rows, out)
		}
	}
	return resp, nil
}

// window spans the requested range, falling back to the data bounds on an
// open side.
func (s *Server) window(tmin, tmax time.Time, span timestamp.Span) downsample.Window {
	start, end := tmin, tmax
	if span.Start != nil {
		start = *span.Start
	}
	if span.End != nil {
		end = *span.End
	}
	return downsample.Window{
		Start:  start,
		End:    end,
		VMin:   s.config.VMin,
		VMax:   s.config.VMax,
		Width:  s.config.Width,
		Height: s.config.Height,
	}
}

// samples keeps the numeric records. Booleans plot as 0 and 1.
func samples(recs []storage.Record) []downsample.Sample {
	out := make([]downsample.Sample, 0, len(recs))
	for _, rec := range recs {
		v, err := codec.Decode(rec.Value)
		if err != nil {
			continue
		}
		var f float64
		switch v := v.(type) {
		case float64:
			f = v
		case bool:
			if v {
				f = 1
			}
		default:
			continue
		}
		out = append(out, downsample.Sample{T: rec.Time, V: f})
	}
	return out
}

func formatTime(t time.Time) *string {
	s := t.UTC().Format(TimeLayout)
	return &s
}
