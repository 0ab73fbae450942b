// Package sefaz talks to the SEFAZ-MT NF-e 4.00 web services over SOAP 1.2
// with mutual TLS.
package sefaz

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"fazendabrasil/gonfpe/internal/core/audit"
	"fazendabrasil/gonfpe/internal/core/authority"
	"fazendabrasil/gonfpe/internal/infrastructure/cache"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
	infrahttp "fazendabrasil/gonfpe/internal/infrastructure/http"
)

// ProviderName identifies SEFAZ-MT in logs and the transmission audit.
const ProviderName = "sefaz-mt"

// HTTPClient allows both standard and traced HTTP clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFactory returns the HTTP client presenting cert. It is called once
// per distinct certificate.
type ClientFactory func(cert *tls.Certificate) HTTPClient

// Recorder observes every round trip. outcome is the classified cStat or
// "transport_error".
type Recorder interface {
	ObserveRequest(operation, outcome string, elapsed time.Duration)
}

// Client implements authority.Authority against SEFAZ.
type Client struct {
	cfg     config.SefazSettings
	log     *slog.Logger
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]HTTPClient

	breaker  *Breaker
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	status   *cache.TTL[string, authority.Response]
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises a Client.
type Option func(*Client)

// WithClientFactory replaces the traced mutual-TLS client.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Client) { c.factory = f }
}

// WithRecorder reports request metrics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// TracedFactory builds traced clients that log each exchange and store it
// in the transmission audit log. auditRepo may be nil.
func TracedFactory(cfg config.SefazSettings, auditCfg config.AuditSettings, auditRepo audit.Repository, log *slog.Logger) ClientFactory {
	return func(cert *tls.Certificate) HTTPClient {
		return infrahttp.NewTracedClient(infrahttp.TracedClientConfig{
			Timeout:         cfg.Timeout,
			AuditEnabled:    auditCfg.Enabled,
			LogRequestBody:  auditCfg.LogRequestBody,
			LogResponseBody: auditCfg.LogResponseBody,
			MaxBodySize:     auditCfg.MaxBodySize,
			MaxConnsPerHost: cfg.MaxConcurrent,
			TLS:             infrahttp.MutualTLS(cert),
		}, log, auditRepo, ProviderName)
	}
}

// NewClient creates a SEFAZ client. Retry, polling, rate and breaker
// settings all come from cfg.
func NewClient(cfg config.SefazSettings, log *slog.Logger, opts ...Option) *Client {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	rps := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS <= 0 {
		rps = rate.Inf
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	c := &Client{
		cfg:     cfg,
		log:     log.With("component", "sefaz_client"),
		clients: make(map[string]HTTPClient),
		breaker: NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		limiter: rate.NewLimiter(rps, max(cfg.RateLimitRPS, 1)),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		sleep:   sleepContext,
	}
	if cfg.StatusTTL > 0 {
		c.status = cache.NewTTL[string, authority.Response](cfg.StatusTTL)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		c.factory = TracedFactory(cfg, config.AuditSettings{}, nil, log)
	}
	return c
}

// BreakerState reports the circuit breaker state for health checks.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// ServiceStatus calls NfeStatusServico4 (consStatServ). Answers are cached
// for StatusTTL per certificate.
func (c *Client) ServiceStatus(ctx context.Context, cert *tls.Certificate) (authority.Response, error) {
	key := certKey(cert)
	if c.status != nil {
		if cached, ok := c.status.Get(key); ok {
			return cached, nil
		}
	}
	msg, err := statusRequest(c.cfg.AmbientCode(), c.cfg.StateCode)
	if err != nil {
		return authority.Failure(err), err
	}
	resp, err := c.call(ctx, serviceStatus, cert, msg, true)
	if err == nil && c.status != nil {
		c.status.Set(key, resp)
	}
	return resp, err
}

// SubmitBatch sends an enviNFe to NfeAutorizacao4.
func (c *Client) SubmitBatch(ctx context.Context, cert *tls.Certificate, batch []byte) (authority.Response, error) {
	return c.call(ctx, serviceAuthorization, cert, batch, true)
}

// PollReceipt asks NfeRetAutorizacao4 for the result of a receipt.
func (c *Client) PollReceipt(ctx context.Context, cert *tls.Certificate, receipt string) (authority.Response, error) {
	msg, err := receiptRequest(c.cfg.AmbientCode(), receipt)
	if err != nil {
		return authority.Failure(err), err
	}
	return c.call(ctx, serviceReturnAuth, cert, msg, true)
}

// QueryDocument asks NfeConsulta4 for the situation of an access key.
func (c *Client) QueryDocument(ctx context.Context, cert *tls.Certificate, accessKey string) (authority.Response, error) {
	msg, err := queryRequest(c.cfg.AmbientCode(), accessKey)
	if err != nil {
		return authority.Failure(err), err
	}
	return c.call(ctx, serviceQuery, cert, msg, true)
}

// SubmitEvent sends an envEvento to RecepcaoEvento4. It is sent once: a
// repeated event is rejected by SEFAZ as a duplicate.
func (c *Client) SubmitEvent(ctx context.Context, cert *tls.Certificate, event []byte) (authority.Response, error) {
	return c.call(ctx, serviceEvent, cert, event, false)
}

// call performs the exchange, retrying transport failures with a linear
// backoff of attempt x BackoffStep. A parsed reply is never retried, whatever
// its cStat.
func (c *Client) call(ctx context.Context, svc service, cert *tls.Certificate, msg []byte, retry bool) (authority.Response, error) {
	attempts := 1
	if retry {
		attempts = c.cfg.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.roundTrip(ctx, svc, cert, msg)
		if err == nil {
			c.log.InfoContext(ctx, "sefaz response",
				"operation", svc.method,
				"attempt", attempt,
				"cstat", resp.Code,
				"xmotivo", resp.Message,
			)
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil || attempt == attempts {
			break
		}
		wait := time.Duration(attempt) * c.cfg.BackoffStep
		c.log.WarnContext(ctx, "sefaz transport failure, retrying",
			"operation", svc.method,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", wait,
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			break
		}
	}

	c.log.ErrorContext(ctx, "sefaz call failed", "operation", svc.method, "error", lastErr)
	err := fmt.Errorf("%w: %s: %w", authority.ErrTransport, svc.method, lastErr)
	return authority.Failure(err), err
}

func (c *Client) roundTrip(ctx context.Context, svc service, cert *tls.Certificate, msg []byte) (authority.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return authority.Response{}, fmt.Errorf("rate limit: %w", err)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return authority.Response{}, fmt.Errorf("concurrency slot: %w", err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	var out authority.Response
	err := c.breaker.Execute(func() error {
		callCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, svc.url(c.cfg.Endpoints), bytes.NewReader(envelope(svc, msg)))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", svc.contentType())

		resp, err := c.httpClient(cert).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		parsed, err := ParseResponse(raw)
		if err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("http status %d: %w", resp.StatusCode, err)
			}
			return err
		}
		out = parsed
		return nil
	})

	if c.recorder != nil {
		outcome := "transport_error"
		if err == nil {
			outcome = out.Outcome().String()
		}
		c.recorder.ObserveRequest(svc.method, outcome, time.Since(start))
	}
	return out, err
}

func (c *Client) httpClient(cert *tls.Certificate) HTTPClient {
	key := certKey(cert)
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[key]; ok {
		return hc
	}
	hc := c.factory(cert)
	c.clients[key] = hc
	return hc
}

func certKey(cert *tls.Certificate) string {
	if cert == nil || len(cert.Certificate) == 0 {
		return "default"
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return hex.EncodeToString(sum[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
