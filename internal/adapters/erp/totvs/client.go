// Package totvs reads pending stock movements from TOTVS Protheus Agro and
// writes the invoicing outcome back.
package totvs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fazendabrasil/gonfpe/internal/core/erp"
	"fazendabrasil/gonfpe/internal/core/secret"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
)

// ProviderName identifies the ERP in logs and the transmission audit.
const ProviderName = "totvs"

// ErrNotFound is returned when the ERP does not know a movement.
var ErrNotFound = errors.New("totvs: movement not found")

// HTTPClient allows both standard and traced HTTP clients.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements erp.Source over the TOTVS REST API.
type Client struct {
	cfg     config.ERPSettings
	client  HTTPClient
	secrets secret.Store
	log     *slog.Logger
}

var _ erp.Source = (*Client)(nil)

// NewClient creates a TOTVS client. The API key and secret are looked up in
// secrets on every request under cfg.APIKeySecret and cfg.APISecretSecret.
func NewClient(cfg config.ERPSettings, httpClient HTTPClient, secrets secret.Store, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		client:  httpClient,
		secrets: secrets,
		log:     log.With("component", "totvs_client", "provider", ProviderName),
	}
}

type listResponse struct {
	Items []json.RawMessage `json:"items"`
}

// ListPendingMovements returns movements with status PENDENTE_NFE issued
// between start and end. Items that fail to decode are logged and skipped.
func (c *Client) ListPendingMovements(ctx context.Context, start, end time.Time, operations []string) ([]erp.Movement, error) {
	if len(operations) == 0 {
		operations = erp.DefaultOperations
	}
	query := url.Values{}
	query.Set("dataInicio", start.Format("2006-01-02"))
	query.Set("dataFim", end.Format("2006-01-02"))
	query.Set("tiposOperacao", strings.Join(operations, ","))
	query.Set("status", erp.StatusPendingInvoice)
	query.Set("filial", c.cfg.BranchID)

	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/movimentacoes?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}

	movements := make([]erp.Movement, 0, len(out.Items))
	for _, raw := range out.Items {
		var m erp.Movement
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.WarnContext(ctx, "skipping undecodable movement", "error", err)
			continue
		}
		movements = append(movements, m)
	}
	c.log.InfoContext(ctx, "pending movements fetched", "count", len(movements))
	return movements, nil
}

// GetMovement returns one movement with all its items.
func (c *Client) GetMovement(ctx context.Context, id string) (*erp.Movement, error) {
	var m erp.Movement
	if err := c.do(ctx, http.MethodGet, "/movimentacoes/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type statusPayload struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"dataAtualizacao"`
	AccessKey string `json:"chaveNfe,omitempty"`
	Number    int64  `json:"numeroNfe,omitempty"`
	Series    int    `json:"serieNfe,omitempty"`
}

// UpdateMovementStatus reports NFE_EMITIDA, NFE_AUTORIZADA or NFE_REJEITADA.
func (c *Client) UpdateMovementStatus(ctx context.Context, id string, update erp.StatusUpdate) error {
	at := update.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	payload := statusPayload{
		Status:    update.Status,
		UpdatedAt: at.UTC().Format(time.RFC3339),
		AccessKey: update.AccessKey,
		Number:    update.Number,
		Series:    update.Series,
	}
	if err := c.do(ctx, http.MethodPut, "/movimentacoes/"+url.PathEscape(id)+"/status", payload, nil); err != nil {
		return err
	}
	c.log.InfoContext(ctx, "movement status updated", "movement_id", id, "status", update.Status)
	return nil
}

// Health checks the ERP /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := c.authenticate(ctx, req); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("totvs %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.WarnContext(ctx, "totvs returned non-2xx status", "status", resp.StatusCode, "path", path)
		return fmt.Errorf("totvs %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse totvs response: %w", err)
	}
	return nil
}

func (c *Client) authenticate(ctx context.Context, req *http.Request) error {
	key, err := c.secrets.Get(ctx, c.cfg.APIKeySecret)
	if err != nil {
		return fmt.Errorf("resolve totvs api key: %w", err)
	}
	apiSecret, err := c.secrets.Get(ctx, c.cfg.APISecretSecret)
	if err != nil {
		return fmt.Errorf("resolve totvs api secret: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-API-Secret", apiSecret)
	req.Header.Set("X-Company-Id", c.cfg.CompanyID)
	req.Header.Set("X-Branch-Id", c.cfg.BranchID)
	return nil
}
