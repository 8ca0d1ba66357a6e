package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

const (
	defaultBaseURL = "https://api.github.com"

	// statusContext labels commit statuses posted by this system.
	statusContext = "Ephemeral Environment"

	appJWTLifetime  = 9 * time.Minute
	tokenExpirySkew = 2 * time.Minute
)

// Config carries GitHub App credentials; the authority authenticates as the
// app and acts through per-repository installation tokens.
type Config struct {
	AppID         string
	PrivateKeyPEM []byte
	BaseURL       string
}

// Authority implements driver.PRAuthority against the GitHub REST API.
type Authority struct {
	cfg        Config
	privateKey *rsa.PrivateKey
	client     *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

var _ driver.PRAuthority = (*Authority)(nil)

// New constructs a GitHub authority from explicit app credentials.
func New(cfg Config, logger *slog.Logger) (*Authority, error) {
	if cfg.AppID == "" {
		return nil, errors.New("github app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		cfg:        cfg,
		privateKey: key,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "github"),
		tokens:     make(map[string]cachedToken),
	}, nil
}

// IsOpen reports whether the pull request is open. A PR that is closed,
// merged, or missing entirely reports false.
func (a *Authority) IsOpen(ctx context.Context, repo string, prNumber int) (bool, error) {
	var pr struct {
		State string `json:"state"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, prNumber)
	err := a.request(ctx, repo, http.MethodGet, path, nil, &pr)
	if err != nil {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("check %s#%d: %w", repo, prNumber, err)
	}
	return pr.State == "open", nil
}

// PostStatus sets the commit status for a SHA.
func (a *Authority) PostStatus(ctx context.Context, repo, sha, state, targetURL, description string) error {
	payload := map[string]string{
		"state":       state,
		"description": description,
		"context":     statusContext,
	}
	if targetURL != "" {
		payload["target_url"] = targetURL
	}
	path := fmt.Sprintf("/repos/%s/statuses/%s", repo, sha)
	return a.request(ctx, repo, http.MethodPost, path, payload, nil)
}

// Comment posts an issue comment on the pull request.
func (a *Authority) Comment(ctx context.Context, repo string, prNumber int, body string) error {
	payload := map[string]string{"body": body}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, prNumber)
	return a.request(ctx, repo, http.MethodPost, path, payload, nil)
}

// CloneToken returns an installation token suitable for cloning the
// repository over HTTPS.
func (a *Authority) CloneToken(ctx context.Context, repo string) (string, error) {
	return a.installationToken(ctx, repo)
}

// appJWT mints the short-lived RS256 JWT GitHub requires for app-level calls.
func (a *Authority) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.cfg.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
}

// installationToken resolves the repo's installation and exchanges the app
// JWT for an installation token, cached until near expiry.
func (a *Authority) installationToken(ctx context.Context, repo string) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[repo]
	a.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > tokenExpirySkew {
		return cached.token, nil
	}

	appToken, err := a.appJWT()
	if err != nil {
		return "", fmt.Errorf("mint app jwt: %w", err)
	}

	var installation struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/installation", repo)
	if err := a.rawRequest(ctx, appToken, http.MethodGet, path, nil, &installation); err != nil {
		return "", fmt.Errorf("resolve installation for %s: %w", repo, err)
	}

	var issued struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path = fmt.Sprintf("/app/installations/%d/access_tokens", installation.ID)
	if err := a.rawRequest(ctx, appToken, http.MethodPost, path, map[string]any{}, &issued); err != nil {
		return "", fmt.Errorf("create installation token for %s: %w", repo, err)
	}

	a.mu.Lock()
	a.tokens[repo] = cachedToken{token: issued.Token, expiresAt: issued.ExpiresAt}
	a.mu.Unlock()
	return issued.Token, nil
}

// request performs an installation-authenticated API call.
func (a *Authority) request(ctx context.Context, repo, method, path string, payload, out any) error {
	token, err := a.installationToken(ctx, repo)
	if err != nil {
		return err
	}
	return a.rawRequest(ctx, token, method, path, payload, out)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return "github api status " + strconv.Itoa(e.code) + ": " + e.body
}

func (a *Authority) rawRequest(ctx context.Context, token, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
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
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
