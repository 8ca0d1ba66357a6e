package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Config carries explicit credentials for the tunnel broker; no shared global
// client state.
type Config struct {
	APIToken  string
	AccountID string
	BaseURL   string
}

// Driver tears down Cloudflare tunnels and their Access applications.
type Driver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var _ driver.TunnelDriver = (*Driver)(nil)

// New constructs a Cloudflare tunnel driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.APIToken == "" || cfg.AccountID == "" {
		return nil, errors.New("cloudflare api token and account id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "cloudflare"),
	}, nil
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  json.RawMessage `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

// Close deletes the tunnel, its connections, and any Access application bound
// to its hostname. A tunnel that is already gone is success.
func (d *Driver) Close(ctx context.Context, tunnelRef string) error {
	// Connections must go first or the tunnel delete is rejected.
	connPath := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/connections", d.cfg.AccountID, tunnelRef)
	if err := d.request(ctx, http.MethodDelete, connPath, nil, nil); err != nil {
		d.logger.Warn("failed to clean tunnel connections", "tunnel_id", tunnelRef, "error", err)
	}

	path := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s", d.cfg.AccountID, tunnelRef)
	if err := d.request(ctx, http.MethodDelete, path, nil, nil); err != nil {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete tunnel %s: %w", tunnelRef, err)
	}
	d.deleteAccessApp(ctx, tunnelRef)
	d.logger.Info("deleted tunnel", "tunnel_id", tunnelRef)
	return nil
}

// deleteAccessApp removes the Access application protecting the tunnel's
// hostname, if one exists. Best effort.
func (d *Driver) deleteAccessApp(ctx context.Context, tunnelRef string) {
	var apps []struct {
		ID     string `json:"id"`
		Domain string `json:"domain"`
	}
	listPath := fmt.Sprintf("/accounts/%s/access/apps", d.cfg.AccountID)
	if err := d.request(ctx, http.MethodGet, listPath, nil, &apps); err != nil {
		d.logger.Warn("failed to list access apps", "error", err)
		return
	}
	domain := fmt.Sprintf("%s.cfargotunnel.com", tunnelRef)
	for _, app := range apps {
		if app.Domain != domain {
			continue
		}
		delPath := fmt.Sprintf("/accounts/%s/access/apps/%s", d.cfg.AccountID, app.ID)
		if err := d.request(ctx, http.MethodDelete, delPath, nil, nil); err != nil {
			d.logger.Warn("failed to delete access app", "app_id", app.ID, "error", err)
			return
		}
		d.logger.Info("deleted access app", "app_id", app.ID)
		return
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("cloudflare api status %d: %s", e.code, e.body)
}

func (d *Driver) request(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode, body: string(data)}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("cloudflare api error: %s", string(envelope.Errors))
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
