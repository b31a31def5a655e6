package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/timestamp"
)

// TimeLayout formats record timestamps in responses.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Filter modes of the data endpoints.
const (
	FilterLatest  = "latest"
	FilterAfter   = "after"
	FilterBefore  = "before"
	FilterBetween = "between"
)

// requestError carries the HTTP status a bad request maps to.
type requestError struct {
	Status int
	Reason string
}

func (e *requestError) Error() string { return e.Reason }

func badRequest(format string, args ...any) *requestError {
	return &requestError{Status: http.StatusBadRequest, Reason: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *requestError {
	return &requestError{Status: http.StatusNotFound, Reason: fmt.Sprintf(format, args...)}
}

// dataQuery is a parsed /data/<id>[/<name>] request.
type dataQuery struct {
	desc   *descriptor.Descriptor
	name   string // empty selects every message of desc
	filter string
	lower  *time.Time
	upper  *time.Time
}

func (q dataQuery) names() []string {
	if q.name != "" {
		return []string{q.name}
	}
	return q.desc.MessageNames()
}

func (s *Server) parseDataQuery(rawID, name string, query url.Values) (dataQuery, *requestError) {
	id, err := descriptor.ParseID(rawID)
	if err != nil {
		return dataQuery{}, notFound("unknown packet %s", rawID)
	}
	desc, ok := s.table.Lookup(id)
	if !ok {
		return dataQuery{}, notFound("unknown packet %s", descriptor.FormatID(id))
	}
	if name != "" && !desc.HasMessage(name) {
		return dataQuery{}, notFound("unknown message '%s' in packet %s", name, desc.Key())
	}

	q := dataQuery{desc: desc, name: name, filter: query.Get("filter")}
	if q.filter == "" {
		q.filter = FilterLatest
	}

	now := s.now().UTC()
	parse := func(param string) (*time.Time, *requestError) {
		v := query.Get(param)
		if v == "" {
			return nil, nil
		}
		t, err := timestamp.Parse(v, now)
		if err != nil {
			return nil, badRequest("timestamp %s=%s is not in the relative timestamp format 1h5m or compact ISO timestamp", param, v)
		}
		return &t, nil
	}
	var rerr *requestError
	if q.lower, rerr = parse("after"); rerr != nil {
		return dataQuery{}, rerr
	}
	if q.upper, rerr = parse("before"); rerr != nil {
		return dataQuery{}, rerr
	}

	switch q.filter {
	case FilterLatest:
	case FilterAfter:
		if q.lower == nil {
			return dataQuery{}, badRequest("Missing parameter 'after' for filter mode 'after'")
		}
		q.upper = nil
	case FilterBefore:
		if q.upper == nil {
			return dataQuery{}, badRequest("Missing parameter 'before' for filter mode 'before'")
		}
		q.lower = nil
	case FilterBetween:
		if q.lower == nil {
			return dataQuery{}, badRequest("Missing parameter 'after' for filter mode 'between'")
		}
		if q.upper == nil {
			return dataQuery{}, badRequest("Missing parameter 'before' for filter mode 'between'")
		}
	default:
		return dataQuery{}, badRequest("unknown filter mode '%s'", q.filter)
	}
	return q, nil
}

// run executes q. A single message yields its record map; a whole packet
// yields an object of record maps keyed by message name.
func (s *Server) run(ctx context.Context, q dataQuery) (any, error) {
	if q.name != "" {
		return s.runOne(ctx, q, q.name)
	}
	out := make(map[string]any)
	for _, name := range q.names() {
		v, err := s.runOne(ctx, q, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (s *Server) runOne(ctx context.Context, q dataQuery, name string) (any, error) {
	if q.filter == FilterLatest {
		notBefore := s.now().Add(-s.config.LatestWindow)
		rec, err := s.store.Latest(ctx, q.desc.ID, name, notBefore)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		return recordMap([]storage.Record{*rec})
	}
	recs, err := s.store.Query(ctx, q.desc.ID, name, q.lower, q.upper)
	if err != nil {
		return nil, err
	}
	return recordMap(recs)
}

// recordMap renders records as an object from formatted timestamp to
// value.
func recordMap(recs []storage.Record) (map[string]any, error) {
	out := make(map[string]any, len(recs))
	for _, rec := range recs {
		v, err := codec.Decode(rec.Value)
		if err != nil {
			return nil, err
		}
		out[rec.Time.UTC().Format(TimeLayout)] = v
	}
	return out, nil
}
