package source

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// CrawlConfig controls the web page source.
type CrawlConfig struct {
	URLs      []string
	Interval  time.Duration
	UserAgent string
	// MaxDepth 1 only scrapes the listed pages; larger values follow
	// same-host links.
	MaxDepth    int
	Parallelism int
	Delay       time.Duration
	// RespectRobots skips pages the host's robots.txt disallows for UserAgent.
	RespectRobots bool
}

// CrawlSource scrapes magnet anchors from web pages with colly. Each page
// with at least one magnet link becomes one snapshot, so an unchanged page is
// suppressed by the pump on the next round.
type CrawlSource struct {
	cfg    CrawlConfig
	clock  torrent.Clock
	logger *zap.Logger
}

// NewCrawlSource builds a crawl source.
func NewCrawlSource(cfg CrawlConfig, clock torrent.Clock, logger *zap.Logger) *CrawlSource {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "magnetd"
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlSource{cfg: cfg, clock: clock, logger: logger}
}

// Name identifies the source in task records.
func (s *CrawlSource) Name() string { return "crawl" }

// Run crawls once, then again every Interval. A zero Interval crawls once.
func (s *CrawlSource) Run(ctx context.Context, out chan<- Snapshot) error {
	for {
		if err := s.Crawl(ctx, out); err != nil {
			return nil
		}
		if s.cfg.Interval <= 0 {
			return nil
		}
		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Crawl visits every configured URL and emits one snapshot per page holding
// magnet links. Only a ctx error is returned; page failures are logged.
func (s *CrawlSource) Crawl(ctx context.Context, out chan<- Snapshot) error {
	collector := s.newCollector(ctx)
	if s.cfg.RespectRobots {
		gate := newRobotsGate(nil, s.cfg.UserAgent, s.logger)
		collector.OnRequest(func(r *colly.Request) {
			if !gate.Allowed(ctx, r.URL) {
				s.logger.Debug("disallowed by robots.txt", zap.String("url", r.URL.String()))
				r.Abort()
			}
		})
	}

	var mu sync.Mutex
	pages := make(map[string][]string)
	var order []string

	collector.OnHTML(`a[href^="magnet:"]`, func(e *colly.HTMLElement) {
		page := e.Request.URL.String()
		mu.Lock()
		defer mu.Unlock()
		if _, ok := pages[page]; !ok {
			order = append(order, page)
		}
		pages[page] = append(pages[page], e.Attr("href"))
	})
	if s.cfg.MaxDepth > 1 {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			href := e.Attr("href")
			if strings.HasPrefix(href, "magnet:") {
				return
			}
			if err := e.Request.Visit(href); err != nil {
				s.logger.Debug("skip link", zap.String("url", href), zap.Error(err))
			}
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		s.logger.Warn("crawl request failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})

	for _, u := range s.cfg.URLs {
		if err := collector.Visit(u); err != nil {
			s.logger.Warn("failed to visit URL", zap.String("url", u), zap.Error(err))
		}
	}
	collector.Wait()

	now := s.clock.Now()
	for _, page := range order {
		snap := Snapshot{Text: strings.Join(pages[page], "\n"), Source: s.Name(), DiscoveredAt: now}
		if err := emit(ctx, out, snap); err != nil {
			return err
		}
	}
	s.logger.Debug("crawl round finished", zap.Int("pages_with_magnets", len(order)))
	return ctx.Err()
}

func (s *CrawlSource) newCollector(ctx context.Context) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.MaxDepth(s.cfg.MaxDepth),
		colly.UserAgent(s.cfg.UserAgent),
		colly.Async(true),
		colly.StdlibContext(ctx),
	}
	if hosts := hostsOf(s.cfg.URLs); len(hosts) > 0 {
		opts = append(opts, colly.AllowedDomains(hosts...))
	}
	collector := colly.NewCollector(opts...)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
	}); err != nil {
		s.logger.Warn("failed to set collector limits", zap.Error(err))
	}
	return collector
}

func hostsOf(urls []string) []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, raw := range urls {
		host := hostname(raw)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
