// Package qbittorrent is the downstream submit client: an authenticated
// qBittorrent Web API session, created and health-checked by the pool.
package qbittorrent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/pool"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const (
	apiPrefix       = "/api/v2"
	maxResponseBody = 4 << 20
	logoutTimeout   = 2 * time.Second
)

// Config describes how to reach the Web API.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	VerifySSL bool
	Timeout   time.Duration
}

// Connector logs new sessions in. It is the pool factory for every tier.
type Connector struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// NewConnector shares one transport across all sessions it creates.
func NewConnector(cfg Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // NAS installs commonly use self-signed certs
	}
	return &Connector{cfg: cfg, transport: transport, logger: logger}
}

// Connect opens and authenticates a session for tier.
func (c *Connector) Connect(ctx context.Context, tier pool.Tier) (torrent.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	s := &Session{
		cfg:    c.cfg,
		tier:   tier,
		client: &http.Client{Jar: jar, Transport: c.transport, Timeout: c.cfg.Timeout},
		logger: c.logger.With(zap.String("tier", string(tier))),
	}
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Factory adapts Connect to the pool.
func (c *Connector) Factory() pool.Factory[torrent.Session] {
	return c.Connect
}

// Session is one logged-in cookie session. Safe for sequential use by the
// lease holder; the login state is guarded for re-login races.
type Session struct {
	cfg    Config
	tier   pool.Tier
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	loggedIn bool
}

func (s *Session) login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	form := url.Values{"username": {s.cfg.Username}, "password": {s.cfg.Password}}
	status, body, err := s.send(ctx, http.MethodPost, "/auth/login", form)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	switch {
	case status == http.StatusOK && strings.TrimSpace(body) == "Ok.":
		s.loggedIn = true
		return nil
	case status == http.StatusOK:
		return &torrent.DownstreamError{Op: "login", StatusCode: http.StatusUnauthorized, Message: "credentials rejected"}
	default:
		return &torrent.DownstreamError{Op: "login", StatusCode: status, Message: body}
	}
}

// Submit adds a magnet link. A "Fails." reply means the client already has it.
func (s *Session) Submit(ctx context.Context, req torrent.SubmitRequest) error {
	form := url.Values{
		"urls":    {req.Magnet},
		"paused":  {strconv.FormatBool(req.Paused)},
		"stopped": {strconv.FormatBool(req.Paused)},
		"autoTMM": {"false"},
	}
	if req.Category != "" {
		form.Set("category", req.Category)
	}
	if req.SavePath != "" {
		form.Set("savepath", req.SavePath)
	}
	if req.Name != "" {
		form.Set("rename", req.Name)
	}
	body, err := s.call(ctx, "add", http.MethodPost, "/torrents/add", form)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body) == "Fails." {
		return fmt.Errorf("add %s: %w", req.Hash, torrent.ErrDuplicate)
	}
	return nil
}

type torrentInfo struct {
	Hash string `json:"hash"`
}

// KnownHashes lists every torrent hash the client holds, lower-cased.
func (s *Session) KnownHashes(ctx context.Context) ([]string, error) {
	var infos []torrentInfo
	if err := s.callJSON(ctx, "info", http.MethodGet, "/torrents/info", nil, &infos); err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Hash != "" {
			hashes = append(hashes, strings.ToLower(info.Hash))
		}
	}
	return hashes, nil
}

// CreateDestination provisions a category. An existing category is success.
func (s *Session) CreateDestination(ctx context.Context, category, path string) error {
	form := url.Values{"category": {category}, "savePath": {path}}
	_, err := s.call(ctx, "createCategory", http.MethodPost, "/torrents/createCategory", form)
	var downstream *torrent.DownstreamError
	if err != nil && errors.As(err, &downstream) && downstream.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// Ping checks the session against the version endpoint.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, "version", http.MethodGet, "/app/version", nil)
	return err
}

// Close logs out best-effort and drops idle connections.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	s.mu.Lock()
	wasLoggedIn := s.loggedIn
	s.loggedIn = false
	s.mu.Unlock()
	if wasLoggedIn {
		if _, _, err := s.send(ctx, http.MethodPost, "/auth/logout", url.Values{}); err != nil {
			s.logger.Debug("logout failed", zap.Error(err))
		}
	}
	s.client.CloseIdleConnections()
	return nil
}

// call issues one request, re-logging in once when the cookie has expired.
func (s *Session) call(ctx context.Context, op, method, path string, form url.Values) (string, error) {
	status, body, err := s.send(ctx, method, path, form)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if status == http.StatusForbidden {
		s.logger.Debug("session expired; logging in again", zap.String("op", op))
		if err := s.login(ctx); err != nil {
			return "", err
		}
		status, body, err = s.send(ctx, method, path, form)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}
	if status < 200 || status >= 300 {
		return "", &torrent.DownstreamError{Op: op, StatusCode: status, Message: strings.TrimSpace(body)}
	}
	return body, nil
}

// callJSON is call for list endpoints. The body is decoded as it streams in,
// so large libraries are not cut off at maxResponseBody.
func (s *Session) callJSON(ctx context.Context, op, method, path string, form url.Values, v any) error {
	resp, err := s.do(ctx, method, path, form)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close() //nolint:errcheck // retried below
		s.logger.Debug("session expired; logging in again", zap.String("op", op))
		if err := s.login(ctx); err != nil {
			return err
		}
		resp, err = s.do(ctx, method, path, form)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return &torrent.DownstreamError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func (s *Session) send(ctx context.Context, method, path string, form url.Values) (int, string, error) {
	resp, err := s.do(ctx, method, path, form)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, string(data), nil
}

func (s *Session) do(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	endpoint := s.cfg.BaseURL + apiPrefix + path
	var reqBody io.Reader
	if method == http.MethodGet && len(form) > 0 {
		endpoint += "?" + form.Encode()
	} else if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	// The Web API rejects cross-origin looking requests without a Referer.
	req.Header.Set("Referer", s.cfg.BaseURL)
	return s.client.Do(req)
}
