// Package classifier picks a category for a display name. Lookups go cache,
// then rules, then the remote oracle, then the rules again, then the default
// category, so classification never blocks dispatch.
package classifier

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/magnet-dispatcher/internal/cache"
	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/telemetry"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Settings are the hot-reloadable knobs read once per Classify call.
type Settings struct {
	DefaultCategory string
	MinRuleScore    float64
	PromptTemplate  string
	Examples        []Example
	CacheTTL        time.Duration
	OracleTimeout   time.Duration
}

// Options wires a Gateway.
type Options struct {
	Cache    *cache.Cache[string, torrent.Classification]
	Rules    *RuleEngine
	Oracle   torrent.Oracle
	Hasher   torrent.Hasher
	Settings func() Settings
	Logger   *zap.Logger
}

// Gateway implements the classification fallback chain.
type Gateway struct {
	cache    *cache.Cache[string, torrent.Classification]
	rules    *RuleEngine
	oracle   torrent.Oracle
	hasher   torrent.Hasher
	settings func() Settings
	logger   *zap.Logger
}

// NewGateway builds a Gateway. Cache, Hasher, and Settings are required.
func NewGateway(opts Options) *Gateway {
	if opts.Rules == nil {
		opts.Rules = NewRuleEngine()
	}
	if opts.Oracle == nil {
		opts.Oracle = disabledOracle{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		cache:    opts.Cache,
		rules:    opts.Rules,
		oracle:   opts.Oracle,
		hasher:   opts.Hasher,
		settings: opts.Settings,
		logger:   opts.Logger,
	}
}

// Classify always returns a category from candidates (or the default).
func (g *Gateway) Classify(ctx context.Context, name string, candidates []torrent.Category) torrent.Classification {
	ctx, span := telemetry.Tracer().Start(ctx, "classifier.Classify")
	defer span.End()

	settings := g.settings()
	result := g.classify(ctx, name, candidates, settings)

	span.SetAttributes(
		attribute.String("classification.category", result.Category),
		attribute.String("classification.method", string(result.Method)),
	)
	metrics.ObserveClassification(string(result.Method), result.Category)
	return result
}

func (g *Gateway) classify(ctx context.Context, name string, candidates []torrent.Category, settings Settings) torrent.Classification {
	fallback := torrent.Classification{Category: settings.DefaultCategory, Method: torrent.MethodDefault}
	if strings.TrimSpace(name) == "" {
		return fallback
	}

	key := g.cacheKey(name)
	if key != "" {
		if hit, ok := g.cache.Get(key); ok && hasCategory(candidates, hit.Category) {
			hit.Method = torrent.MethodCache
			return hit
		}
	}

	verdict := g.rules.Evaluate(name, candidates)
	ruled := torrent.Classification{Category: verdict.Category, Method: torrent.MethodRule, Score: verdict.Score}
	var result torrent.Classification
	switch {
	case verdict.Matched() && verdict.Score >= settings.MinRuleScore:
		result = ruled
	default:
		result = g.askOracle(ctx, name, candidates, settings)
		if result.Category == "" && verdict.Matched() {
			result = ruled
		} else if result.Category == "" {
			result = fallback
		}
	}

	if key != "" {
		g.cache.Set(key, result, settings.CacheTTL)
	}
	return result
}

// askOracle returns an empty Classification when the oracle fails or names
// a category outside candidates.
func (g *Gateway) askOracle(ctx context.Context, name string, candidates []torrent.Category, settings Settings) torrent.Classification {
	if settings.OracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.OracleTimeout)
		defer cancel()
	}
	prompt := BuildPrompt(settings.PromptTemplate, name, candidates, settings.Examples)
	reply, err := g.oracle.ClassifyRemote(ctx, prompt)
	if err != nil {
		g.logger.Debug("oracle unavailable; falling back to rules",
			zap.String("oracle", g.oracle.Name()), zap.String("name", name), zap.Error(err))
		return torrent.Classification{}
	}
	label := NormalizeLabel(reply)
	if !hasCategory(candidates, label) {
		g.logger.Warn("oracle returned unknown category",
			zap.String("oracle", g.oracle.Name()), zap.String("name", name), zap.String("label", label))
		return torrent.Classification{}
	}
	return torrent.Classification{Category: label, Method: torrent.MethodOracle}
}

// cacheKey digests the folded, NFKC-normalized, whitespace-collapsed name.
func (g *Gateway) cacheKey(name string) string {
	// Casers carry state, so each call gets its own.
	normalized := cases.Fold().String(norm.NFKC.String(name))
	normalized = strings.Join(strings.FieldsFunc(normalized, unicode.IsSpace), " ")
	key, err := g.hasher.Hash([]byte(normalized))
	if err != nil {
		g.logger.Warn("classification cache key failed", zap.Error(err))
		return ""
	}
	return key
}

// Stats exposes the classification cache counters.
func (g *Gateway) Stats() cache.Stats {
	return g.cache.Stats()
}

func hasCategory(candidates []torrent.Category, name string) bool {
	for _, c := range candidates {
		if c.Name == name {
			return true
		}
	}
	return false
}
