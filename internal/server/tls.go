package server

import (
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
)

// NewTLSConfig loads a certificate and key for serving HTTPS and WSS.
func NewTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("TLS key path is required with certificate %s", certPath)
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	logging.Info("TLS configuration created from files",
		zap.String("cert", certPath),
		zap.String("key", keyPath),
	)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// WebSocket upgrades need HTTP/1.1.
		NextProtos: []string{"http/1.1"},
	}, nil
}

// GetTLSInfo returns human-readable TLS configuration information
func GetTLSInfo(config *tls.Config) map[string]any {
	return map[string]any{
		"min_version": tls.VersionName(config.MinVersion),
		"num_certs":   len(config.Certificates),
		"next_protos": config.NextProtos,
	}
}
