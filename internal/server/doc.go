// Package server serves stored telemetry over HTTP and WebSocket.
//
// # Endpoints
//
//	GET  /data/<id>[/<name>]?filter=latest|after|before|between&after=<ts>&before=<ts>
//	GET  /data/history?m=<id>:<name>&m=...&ts=<start>_<end>[&join=1]
//	GET  /descr/
//	GET  /descr/<set-or-id>
//	GET  /intervals
//	POST /admin/reload
//
// Timestamps are either compact UTC ("20240601120000") or relative to now
// ("-1h30m"). Record responses map "2006-01-02 15:04:05.000000" stamps to
// values; a request without <name> returns one such map per message.
// Errors are answered as {"error": "..."} with status 400 for a malformed
// request and 404 for an unknown packet or message.
//
// # Live sessions
//
// A /data request carrying a WebSocket upgrade becomes a live session:
// the server sends the initial result, then polls storage every
// LiveInterval and pushes records stored since. Payloads are JSON text
// frames, or CBOR binary frames with ?encoding=cbor. On shutdown every
// session is closed with status 1001.
//
// When CaptureDir is set, every frame of a session is appended to a JSONL
// file there for offline inspection.
//
// # Usage Example
//
//	store, err := sqlite.Open("telemetry.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	set, err := descriptor.LoadDir("descriptors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(server.Config{Addr: ":8000"}, store, descriptor.NewTable(set))
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
