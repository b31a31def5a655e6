package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/storage/sqlite"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testTable(t *testing.T) *descriptor.Table {
	t.Helper()
	set := descriptor.NewSet()
	for _, d := range []struct {
		id       uint16
		name     string
		format   string
		messages []descriptor.MessageSpec
	}{
		{0x300, "Temps", "HH", []descriptor.MessageSpec{{Name: "Cell Min"}, {Name: "Cell Max"}}},
		{0x402, "Bus Voltage", "f", nil},
	} {
		layout, err := descriptor.Compile(d.format)
		if err != nil {
			t.Fatalf("Compile(%q) error = %v", d.format, err)
		}
		if err := set.Add(&descriptor.Descriptor{
			ID: d.id, Name: d.name, Set: "bms", Layout: layout, Messages: d.messages,
		}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	return descriptor.NewTable(set)
}

func newTestServer(t *testing.T, config Config) (*Server, storage.Store, *httptest.Server) {
	t.Helper()
	store, err := sqlite.Open(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(config, store, testTable(t))
	srv.now = func() time.Time { return testNow }
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, store, ts
}

func insert(t *testing.T, store storage.Store, id uint16, name string, at time.Time, value any) {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := store.Insert(context.Background(), storage.Message{ID: id, Name: name, Time: at, Value: raw}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body error = %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			t.Fatalf("GET %s body %q: %v", url, body, err)
		}
	}
	return resp.StatusCode
}

func stamp(t time.Time) string { return t.UTC().Format(TimeLayout) }

func TestDataLatest(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	insert(t, store, 0x300, "Cell Min", testNow.Add(-2*time.Minute), 31)
	insert(t, store, 0x300, "Cell Min", testNow.Add(-time.Minute), 32)
	insert(t, store, 0x300, "Cell Max", testNow.Add(-time.Hour), 40)

	var got map[string]float64
	if status := getJSON(t, ts.URL+"/data/0x300/Cell%20Min", &got); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	want := stamp(testNow.Add(-time.Minute))
	if len(got) != 1 || got[want] != 32 {
		t.Errorf("latest = %v, want {%s: 32}", got, want)
	}

	// Older than the latest window.
	var stale any
	if status := getJSON(t, ts.URL+"/data/0x300/Cell%20Max?filter=latest", &stale); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if stale != nil {
		t.Errorf("stale latest = %v, want null", stale)
	}
}

func TestDataFilters(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	for i := 1; i <= 5; i++ {
		insert(t, store, 0x402, "Bus Voltage", testNow.Add(-time.Duration(i)*time.Hour), 100+i)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCount  int
	}{
		{"after", "/data/0x402/Bus%20Voltage?filter=after&after=-2h30m", 200, 2},
		{"before", "/data/0x402/Bus%20Voltage?filter=before&before=-3h30m", 200, 2},
		{"between", "/data/0x402/Bus%20Voltage?filter=between&after=-4h30m&before=-1h30m", 200, 3},
		{"between absolute", "/data/0x402/Bus%20Voltage?filter=between&after=20240601073000&before=20240601083000", 200, 1},
		{"after ignores before", "/data/0x402/Bus%20Voltage?filter=after&after=-2h30m&before=-5h", 200, 2},
		{"missing after", "/data/0x402/Bus%20Voltage?filter=after", 400, 0},
		{"missing before", "/data/0x402/Bus%20Voltage?filter=between&after=-1h", 400, 0},
		{"bad timestamp", "/data/0x402/Bus%20Voltage?filter=after&after=yesterday", 400, 0},
		{"unknown filter", "/data/0x402/Bus%20Voltage?filter=sometimes", 400, 0},
		{"unknown id", "/data/0x7ff/Bus%20Voltage", 404, 0},
		{"bad id", "/data/zzz", 404, 0},
		{"unknown name", "/data/0x402/Current", 404, 0},
		{"bad encoding", "/data/0x402?encoding=xml", 400, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			status := getJSON(t, ts.URL+tt.path, &body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.wantStatus, body)
			}
			if status != http.StatusOK {
				if _, ok := body["error"]; !ok {
					t.Errorf("error body = %v, want an error field", body)
				}
				return
			}
			if len(body) != tt.wantCount {
				t.Errorf("records = %d, want %d: %v", len(body), tt.wantCount, body)
			}
		})
	}
}

func TestDataWholePacket(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	insert(t, store, 0x300, "Cell Min", testNow.Add(-time.Minute), 31)
	insert(t, store, 0x300, "Cell Max", testNow.Add(-time.Minute), 41)

	var got map[string]map[string]float64
	if status := getJSON(t, ts.URL+"/data/0x300?filter=after&after=-1h", &got); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	key := stamp(testNow.Add(-time.Minute))
	if got["Cell Min"][key] != 31 || got["Cell Max"][key] != 41 {
		t.Errorf("packet = %v", got)
	}
}

func TestDataCBOR(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	insert(t, store, 0x402, "Bus Voltage", testNow.Add(-time.Second), 101.5)

	resp, err := http.Get(ts.URL + "/data/0x402/Bus%20Voltage?encoding=cbor")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "application/cbor" {
		t.Errorf("Content-Type = %q, want application/cbor", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	var got map[string]any
	if err := codec.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got[stamp(testNow.Add(-time.Second))] != 101.5 {
		t.Errorf("cbor body = %v", got)
	}
}

func TestHistory(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	start := testNow.Add(-time.Hour)
	// A straight ramp collapses to its end points.
	for i := 0; i <= 10; i++ {
		insert(t, store, 0x300, "Cell Min", start.Add(time.Duration(i)*time.Minute), 10+i)
	}
	insert(t, store, 0x300, "Cell Max", start.Add(5*time.Minute), 70)
	insert(t, store, 0x300, "Cell Max", start.Add(5*time.Minute), "n/a")

	q := url.Values{}
	q.Add("m", "0x300:Cell Min")
	q.Add("m", "0x300:Cell Max")
	q.Set("ts", "-2h_")
	q.Set("join", "1")

	var got struct {
		Data [][][2]any `json:"data"`
		TMin *string    `json:"tmin"`
		TMax *string    `json:"tmax"`
		Rows [][]any    `json:"rows"`
	}
	if status := getJSON(t, ts.URL+"/data/history?"+q.Encode(), &got); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(got.Data) != 2 {
		t.Fatalf("series = %d, want 2", len(got.Data))
	}
	if n := len(got.Data[0]); n != 2 {
		t.Errorf("ramp kept %d points, want 2: %v", n, got.Data[0])
	}
	if n := len(got.Data[1]); n != 1 {
		t.Errorf("Cell Max kept %d points, want 1 (strings skipped)", n)
	}
	if got.TMin == nil || *got.TMin != stamp(start) {
		t.Errorf("tmin = %v, want %s", got.TMin, stamp(start))
	}
	if got.TMax == nil || *got.TMax != stamp(start.Add(10*time.Minute)) {
		t.Errorf("tmax = %v", got.TMax)
	}
	if len(got.Rows) != 3 {
		t.Errorf("rows = %d, want 3: %v", len(got.Rows), got.Rows)
	}
}

func TestHistoryJoinKeepsBothExtrema(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	mid := testNow.Add(-30 * time.Minute)
	insert(t, store, 0x300, "Cell Min", mid.Add(-time.Minute), 20)
	insert(t, store, 0x300, "Cell Min", mid, 10)
	insert(t, store, 0x300, "Cell Min", mid, 120)
	insert(t, store, 0x300, "Cell Min", mid.Add(time.Minute), 20)
	insert(t, store, 0x300, "Cell Max", mid, 40)

	q := url.Values{}
	q.Add("m", "0x300:Cell Min")
	q.Add("m", "0x300:Cell Max")
	q.Set("ts", "-2h_")
	q.Set("join", "1")

	var got struct {
		Rows [][]any `json:"rows"`
	}
	if status := getJSON(t, ts.URL+"/data/history?"+q.Encode(), &got); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var mins []float64
	maxes := 0
	for _, row := range got.Rows {
		if len(row) != 3 {
			t.Fatalf("row %v has %d columns, want 3", row, len(row))
		}
		if row[0] != stamp(mid) {
			continue
		}
		if v, ok := row[1].(float64); ok {
			mins = append(mins, v)
		}
		if row[2] != nil {
			maxes++
		}
	}
	if len(mins) != 2 || mins[0] != 10 || mins[1] != 120 {
		t.Errorf("Cell Min at %s = %v, want [10 120]; rows = %v", stamp(mid), mins, got.Rows)
	}
	if maxes != 1 {
		t.Errorf("Cell Max at %s appears %d times, want 1", stamp(mid), maxes)
	}
}

func TestHistoryErrors(t *testing.T) {
	_, _, ts := newTestServer(t, Config{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"no series", "ts=-1h_", 400},
		{"malformed series", "m=0x300&ts=-1h_", 400},
		{"unknown series", "m=0x300:Pack%20Voltage&ts=-1h_", 404},
		{"no span", "m=0x300:Cell%20Min", 400},
		{"open span", "m=0x300:Cell%20Min&ts=_", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := getJSON(t, ts.URL+"/data/history?"+tt.query, nil); status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
		})
	}

	var empty struct {
		Data [][]any `json:"data"`
		TMin *string `json:"tmin"`
	}
	if status := getJSON(t, ts.URL+"/data/history?m=0x402:Bus%20Voltage&ts=-1h_", &empty); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(empty.Data) != 1 || len(empty.Data[0]) != 0 || empty.TMin != nil {
		t.Errorf("empty history = %+v", empty)
	}
}

func TestDescriptors(t *testing.T) {
	_, _, ts := newTestServer(t, Config{})

	var sets []string
	if status := getJSON(t, ts.URL+"/descr/", &sets); status != http.StatusOK || len(sets) != 1 || sets[0] != "bms" {
		t.Errorf("GET /descr/ = %d %v, want [bms]", status, sets)
	}

	var group map[string]any
	if status := getJSON(t, ts.URL+"/descr/bms", &group); status != http.StatusOK {
		t.Fatalf("GET /descr/bms status = %d", status)
	}
	if _, ok := group["0x402"]; !ok || len(group) != 2 {
		t.Errorf("GET /descr/bms = %v", group)
	}

	var single map[string]any
	if status := getJSON(t, ts.URL+"/descr/0x300", &single); status != http.StatusOK {
		t.Errorf("GET /descr/0x300 status = %d", status)
	}
	if status := getJSON(t, ts.URL+"/descr/motor", nil); status != http.StatusNotFound {
		t.Errorf("GET /descr/motor status = %d, want 404", status)
	}
}

func TestIntervals(t *testing.T) {
	_, store, ts := newTestServer(t, Config{})
	ctx := context.Background()
	id, err := store.OpenInterval(ctx, "run", testNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("OpenInterval() error = %v", err)
	}
	if err := store.CloseInterval(ctx, id, testNow); err != nil {
		t.Fatalf("CloseInterval() error = %v", err)
	}
	if _, err := store.OpenInterval(ctx, "open", testNow); err != nil {
		t.Fatalf("OpenInterval() error = %v", err)
	}

	var got []intervalResponse
	if status := getJSON(t, ts.URL+"/intervals", &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(got) != 2 {
		t.Fatalf("intervals = %v, want 2", got)
	}
	if got[0].End == nil || *got[0].End != stamp(testNow) {
		t.Errorf("closed interval end = %v", got[0].End)
	}
	if got[1].End != nil {
		t.Errorf("open interval end = %v, want null", *got[1].End)
	}
}

func TestReloadDisabled(t *testing.T) {
	_, _, ts := newTestServer(t, Config{})
	resp, err := http.Post(ts.URL+"/admin/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func dialLive(t *testing.T, ts *httptest.Server, path string) *gorilla.Conn {
	t.Helper()
	dialer := gorilla.Dialer{Subprotocols: []string{"telemetry.calsol.berkeley.edu"}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestLivePush(t *testing.T) {
	_, store, ts := newTestServer(t, Config{LiveInterval: 10 * time.Millisecond})
	insert(t, store, 0x300, "Cell Min", testNow.Add(-time.Second), 30)

	conn := dialLive(t, ts, "/data/0x300/Cell%20Min")

	kind, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(initial) error = %v", err)
	}
	if kind != gorilla.TextMessage {
		t.Errorf("initial kind = %d, want text", kind)
	}
	var initial map[string]float64
	if err := json.Unmarshal(body, &initial); err != nil || initial[stamp(testNow.Add(-time.Second))] != 30 {
		t.Fatalf("initial = %s, %v", body, err)
	}

	// Another message of the same packet must not be pushed.
	insert(t, store, 0x300, "Cell Max", testNow, 45)
	insert(t, store, 0x300, "Cell Min", testNow, 33)

	_, body, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(update) error = %v", err)
	}
	var update map[string]float64
	if err := json.Unmarshal(body, &update); err != nil {
		t.Fatalf("update %s: %v", body, err)
	}
	if len(update) != 1 || update[stamp(testNow)] != 33 {
		t.Errorf("update = %v, want {%s: 33}", update, stamp(testNow))
	}
}

func TestLivePushCBORWholePacket(t *testing.T) {
	_, store, ts := newTestServer(t, Config{LiveInterval: 10 * time.Millisecond})
	conn := dialLive(t, ts, "/data/0x300?encoding=cbor")

	kind, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(initial) error = %v", err)
	}
	if kind != gorilla.BinaryMessage {
		t.Errorf("initial kind = %d, want binary", kind)
	}
	var initial map[string]any
	if err := codec.Unmarshal(body, &initial); err != nil {
		t.Fatalf("Unmarshal(initial) error = %v", err)
	}
	if v, ok := initial["Cell Min"]; !ok || v != nil {
		t.Errorf("initial = %v, want null latest values", initial)
	}

	insert(t, store, 0x300, "Cell Max", testNow, 45)
	_, body, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(update) error = %v", err)
	}
	var update map[string]map[string]any
	if err := codec.Unmarshal(body, &update); err != nil {
		t.Fatalf("Unmarshal(update) error = %v", err)
	}
	if _, ok := update["Cell Max"][stamp(testNow)]; !ok || len(update) != 1 {
		t.Errorf("update = %v", update)
	}
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	srv, _, ts := newTestServer(t, Config{LiveInterval: 10 * time.Millisecond})
	conn := dialLive(t, ts, "/data/0x402")
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage(initial) error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveSessions() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_, _, err := conn.ReadMessage()
	if !gorilla.IsCloseError(err, gorilla.CloseGoingAway) {
		t.Errorf("ReadMessage() after shutdown = %v, want going away", err)
	}
	if n := srv.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", n)
	}
}

func TestCaptureHookWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	_, _, ts := newTestServer(t, Config{LiveInterval: 10 * time.Millisecond, CaptureDir: dir})
	conn := dialLive(t, ts, "/data/0x402")
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	_, _, _ = conn.ReadMessage()

	matches, err := filepath.Glob(filepath.Join(dir, "session-*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("capture files = %v, %v, want 1", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	var rec FrameRecord
	if err := json.Unmarshal([]byte(first), &rec); err != nil {
		t.Fatalf("first capture line %q: %v", first, err)
	}
	if rec.Direction != "outbound" || rec.FrameType != "text" || rec.FrameNum != 1 {
		t.Errorf("first record = %+v, want the outbound initial result", rec)
	}
}

func TestToASCII(t *testing.T) {
	if got := toASCII([]byte{'o', 'k', 0x00, 0xE7}); got != "ok.." {
		t.Errorf("toASCII() = %q, want %q", got, "ok..")
	}
}
