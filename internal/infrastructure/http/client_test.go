package http

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name          string
		cfg           TransportConfig
		wantConns     int
		wantHeaderTTL time.Duration
	}{
		{"defaults", TransportConfig{}, 50, 60 * time.Second},
		{"long timeout kept", TransportConfig{Timeout: 90 * time.Second, MaxConnsPerHost: 5}, 5, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(tt.cfg)
			if tr.MaxConnsPerHost != tt.wantConns {
				t.Errorf("expected %d conns per host, got %d", tt.wantConns, tr.MaxConnsPerHost)
			}
			if tr.ResponseHeaderTimeout != tt.wantHeaderTTL {
				t.Errorf("expected header timeout %v, got %v", tt.wantHeaderTTL, tr.ResponseHeaderTimeout)
			}
		})
	}
}

func TestMutualTLS(t *testing.T) {
	cfg := MutualTLS(nil)
	if cfg.MinVersion != tls.VersionTLS12 || len(cfg.Certificates) != 0 {
		t.Errorf("unexpected plain config %+v", cfg)
	}

	cert := tls.Certificate{Certificate: [][]byte{{0x30}}}
	cfg = MutualTLS(&cert)
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected client certificate to be set")
	}
}
