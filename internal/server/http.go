package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/websocket"
)

// Handler returns the HTTP surface. Responses are gzip-compressed unless
// the request is a WebSocket upgrade.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /data/history", s.handleHistory)
	mux.HandleFunc("GET /data/{id}", s.handleData)
	mux.HandleFunc("GET /data/{id}/{name}", s.handleData)
	mux.HandleFunc("GET /descr/", s.handleDescrIndex)
	mux.HandleFunc("GET /descr/{key}", s.handleDescr)
	mux.HandleFunc("GET /intervals", s.handleIntervals)
	mux.HandleFunc("POST /admin/reload", s.handleReload)

	compressed := gzhttp.GzipHandler(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsUpgradeRequest(r) {
			LogHTTPRequestDetails(r)
			mux.ServeHTTP(w, r)
			return
		}
		logging.Debug("HTTP request",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		compressed.ServeHTTP(w, r)
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	q, rerr := s.parseDataQuery(r.PathValue("id"), r.PathValue("name"), r.URL.Query())
	if rerr != nil {
		writeError(w, rerr.Status, rerr.Reason)
		return
	}
	enc, err := codec.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if websocket.IsUpgradeRequest(r) {
		s.serveLive(w, r, q, enc)
		return
	}

	result, err := s.run(r.Context(), q)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeEncoded(w, http.StatusOK, enc, result)
}

func (s *Server) handleDescrIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.table.Current().Groups())
}

// handleDescr serves a whole descriptor set by name, or one descriptor by
// packet id.
func (s *Server) handleDescr(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	set := s.table.Current()

	if group, ok := set.Group(key); ok {
		out := make(map[string]*descriptor.Descriptor, len(group))
		for _, d := range group {
			out[d.Key()] = d
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if id, err := descriptor.ParseID(key); err == nil {
		if d, ok := set.Lookup(id); ok {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown descriptor set or packet '"+key+"'")
}

type intervalResponse struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Start string  `json:"start"`
	End   *string `json:"end"`
}

func (s *Server) handleIntervals(w http.ResponseWriter, r *http.Request) {
	intervals, err := s.store.Intervals(r.Context())
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	out := make([]intervalResponse, 0, len(intervals))
	for _, iv := range intervals {
		resp := intervalResponse{ID: iv.ID, Name: iv.Name, Start: iv.Start.UTC().Format(TimeLayout)}
		if iv.End != nil {
			end := iv.End.UTC().Format(TimeLayout)
			resp.End = &end
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.config.DescriptorDir == "" {
		writeError(w, http.StatusNotImplemented, "descriptor reload is not configured")
		return
	}
	set, err := s.table.Reload(s.config.DescriptorDir)
	if err != nil {
		logging.Error("Descriptor reload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	groups := set.Groups()
	sort.Strings(groups)
	logging.Info("Descriptors reloaded",
		zap.Int("descriptors", set.Len()),
		zap.Strings("sets", groups),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"descriptors": set.Len(),
		"sets":        groups,
		"loaded_at":   s.now().UTC().Format(TimeLayout),
	})
}

func (s *Server) storageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		return
	}
	logging.Error("Storage query failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "storage error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeEncoded(w, status, codec.JSON, v)
}

func writeEncoded(w http.ResponseWriter, status int, enc codec.Encoding, v any) {
	body, err := enc.Marshal(v)
	if err != nil {
		logging.Error("Failed to encode response", zap.Error(err))
		status = http.StatusInternalServerError
		enc = codec.JSON
		body, _ = json.Marshal(map[string]string{"error": "encoding failed"})
	}
	contentType := "application/json"
	if enc == codec.CBOR {
		contentType = "application/cbor"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// LogHTTPRequestDetails logs all details of an HTTP request
func LogHTTPRequestDetails(req *http.Request) {
	headers := make(map[string]string)
	for key, values := range req.Header {
		headers[key] = strings.Join(values, ", ")
	}

	logging.LogHTTPRequest(req.RemoteAddr, req.Method, req.URL.Path, headers)

	// Log specific WebSocket headers at debug level
	logging.Debug("WebSocket upgrade request details",
		zap.String("remote_addr", req.RemoteAddr),
		zap.String("host", req.Host),
		zap.String("origin", req.Header.Get("Origin")),
		zap.String("sec_websocket_key", req.Header.Get("Sec-WebSocket-Key")),
		zap.String("sec_websocket_version", req.Header.Get("Sec-WebSocket-Version")),
		zap.String("sec_websocket_protocol", req.Header.Get("Sec-WebSocket-Protocol")),
		zap.String("user_agent", req.Header.Get("User-Agent")),
	)
}
