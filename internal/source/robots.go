package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// robotsGate answers whether the crawler may fetch a URL. Rules are fetched
// once per host per gate; a gate lives for one crawl round.
type robotsGate struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*robotstxt.Group
}

func newRobotsGate(client *http.Client, userAgent string, logger *zap.Logger) *robotsGate {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &robotsGate{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		hosts:     make(map[string]*robotstxt.Group),
	}
}

// Allowed fails open: a robots.txt that cannot be fetched allows everything.
func (g *robotsGate) Allowed(ctx context.Context, u *url.URL) bool {
	group, err := g.group(ctx, u)
	if err != nil {
		g.logger.Warn("robots.txt unavailable, allowing", zap.String("host", u.Host), zap.Error(err))
		return true
	}
	if group == nil {
		return true
	}
	return group.Test(u.EscapedPath())
}

func (g *robotsGate) group(ctx context.Context, u *url.URL) (*robotstxt.Group, error) {
	host := strings.ToLower(u.Host)
	g.mu.Lock()
	group, ok := g.hosts[host]
	g.mu.Unlock()
	if ok {
		return group, nil
	}

	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	group = data.FindGroup(g.userAgent)

	g.mu.Lock()
	g.hosts[host] = group
	g.mu.Unlock()
	return group, nil
}
