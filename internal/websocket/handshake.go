package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Negotiated is the server's answer to a valid opening handshake.
type Negotiated struct {
	Accept   string
	Protocol string
	Version  string
}

// IsUpgradeRequest reports whether req asks to switch to WebSocket.
func IsUpgradeRequest(req *http.Request) bool {
	for _, tok := range headerTokens(req.Header, "Upgrade") {
		if strings.EqualFold(tok, "websocket") {
			return true
		}
	}
	return false
}

// Validate checks an opening handshake against p. Checks run in a fixed
// order so the first failing header is the one reported.
func Validate(req *http.Request, p Policies) error {
	p = p.withDefaults()

	if req.Method != http.MethodGet {
		return &HandshakeError{Status: http.StatusMethodNotAllowed,
			Reason: fmt.Sprintf("invalid method: %s (expected GET)", req.Method)}
	}

	versions := headerTokens(req.Header, "Sec-WebSocket-Version")
	if !p.Version.Accept(versions) {
		return &HandshakeError{Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("unsupported Sec-WebSocket-Version %q", strings.Join(versions, ", "))}
	}

	if !containsFold(headerTokens(req.Header, "Connection"), "upgrade") {
		return &HandshakeError{Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("invalid Connection header: %q (expected upgrade)", req.Header.Get("Connection"))}
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		return &HandshakeError{Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("Sec-WebSocket-Key %q is not 16 base64 encoded bytes", key)}
	}

	var origins []string
	if origin := req.Header.Get("Origin"); origin != "" {
		origins = []string{origin}
	}
	if !p.Origin.Accept(origins) {
		return &HandshakeError{Status: http.StatusForbidden,
			Reason: fmt.Sprintf("origin %q not allowed", req.Header.Get("Origin"))}
	}
	if !p.Host.Accept([]string{req.Host}) {
		return &HandshakeError{Status: http.StatusForbidden,
			Reason: fmt.Sprintf("host %q not allowed", req.Host)}
	}

	// A client that offers no subprotocol gets none.
	if offered := headerTokens(req.Header, "Sec-WebSocket-Protocol"); len(offered) > 0 && !p.Protocol.Accept(offered) {
		return &HandshakeError{Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("no supported subprotocol in %q", strings.Join(offered, ", "))}
	}

	return nil
}

// Negotiate validates req and computes the response headers.
func Negotiate(req *http.Request, p Policies) (Negotiated, error) {
	if err := Validate(req, p); err != nil {
		return Negotiated{}, err
	}
	p = p.withDefaults()

	n := Negotiated{
		Accept:  AcceptKey(req.Header.Get("Sec-WebSocket-Key")),
		Version: p.Version.Choose(headerTokens(req.Header, "Sec-WebSocket-Version")),
	}
	if offered := headerTokens(req.Header, "Sec-WebSocket-Protocol"); len(offered) > 0 {
		n.Protocol = p.Protocol.Choose(offered)
	}
	return n, nil
}

// AcceptKey derives Sec-WebSocket-Accept from the client's key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// WriteResponse writes the 101 Switching Protocols response.
func (n Negotiated) WriteResponse(w io.Writer) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + n.Accept + "\r\n")
	if n.Protocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + n.Protocol + "\r\n")
	}
	if n.Version != "" {
		b.WriteString("Sec-WebSocket-Version: " + n.Version + "\r\n")
	}
	b.WriteString("\r\n")

	logging.LogRawBytes("HTTP 101 Response", []byte(b.String()))
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write HTTP 101 response: %w", err)
	}
	return nil
}

// Upgrade completes the handshake on an net/http request and takes over
// the connection. On a rejected handshake it answers with the error's
// status and returns the *HandshakeError.
func Upgrade(w http.ResponseWriter, req *http.Request, p Policies, opts ...ConnOption) (*Conn, error) {
	n, err := Negotiate(req, p)
	if err != nil {
		status := http.StatusBadRequest
		var he *HandshakeError
		if errors.As(err, &he) {
			status = he.Status
		}
		w.Header().Set("Sec-WebSocket-Version", "13, 8")
		http.Error(w, err.Error(), status)
		logging.Warn("Rejected WebSocket handshake",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		return nil, err
	}

	netConn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, "websocket: connection cannot be hijacked", http.StatusInternalServerError)
		return nil, fmt.Errorf("hijack: %w", err)
	}
	if err := n.WriteResponse(brw.Writer); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	if err := brw.Writer.Flush(); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to flush HTTP 101 response: %w", err)
	}

	logging.LogHTTPResponse(req.RemoteAddr, http.StatusSwitchingProtocols, map[string]string{
		"Sec-WebSocket-Accept":   n.Accept,
		"Sec-WebSocket-Protocol": n.Protocol,
		"Sec-WebSocket-Version":  n.Version,
	})

	opts = append([]ConnOption{WithSubprotocol(n.Protocol)}, opts...)
	return NewConn(netConn, brw.Reader, opts...), nil
}

func (p Policies) withDefaults() Policies {
	def := DefaultPolicies()
	if p.Version == nil {
		p.Version = def.Version
	}
	if p.Protocol == nil {
		p.Protocol = def.Protocol
	}
	if p.Origin == nil {
		p.Origin = def.Origin
	}
	if p.Host == nil {
		p.Host = def.Host
	}
	return p
}

// headerTokens splits every value of a comma-separated header.
func headerTokens(h http.Header, name string) []string {
	var tokens []string
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

func containsFold(tokens []string, want string) bool {
	for _, tok := range tokens {
		if strings.EqualFold(tok, want) {
			return true
		}
	}
	return false
}
