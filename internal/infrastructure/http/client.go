package http

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// TransportConfig tunes the pooled transport shared by outbound clients.
type TransportConfig struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	// TLS, when set, is used for every connection. SEFAZ requires the
	// issuer certificate to be presented as a client certificate.
	TLS *tls.Config
}

// NewTransport builds a keep-alive transport. Response headers are awaited
// for at least the client timeout so slow SEFAZ answers are not cut early.
func NewTransport(cfg TransportConfig) *http.Transport {
	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 50
	}
	headerTimeout := cfg.Timeout
	if headerTimeout < 60*time.Second {
		headerTimeout = 60 * time.Second
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       cfg.TLS,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxConns,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// MutualTLS returns a client TLS configuration presenting cert. A nil cert
// yields a plain TLS 1.2+ configuration.
func MutualTLS(cert *tls.Certificate) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}
