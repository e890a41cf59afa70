// Package pricing resolves the credit price of provider operations.
//
// Lookups go through a cached table loaded from a Source, then a compiled
// static table, then a hard default. A lookup never fails.
package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"

	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Operations
const (
	OperationImage = "image"
	OperationVideo = "video"
	OperationAudio = "audio"
	OperationMusic = "music"
	OperationChat  = "chat"
	OperationText  = "text"
	OperationVoice = "voice"
)

// OperationFor returns the priced operation of a generation job kind. Speech
// is priced by characters.
func OperationFor(kind model.JobKind) string {
	switch kind {
	case model.JobKindVideo:
		return OperationVideo
	case model.JobKindAudio:
		return OperationVoice
	default:
		return OperationImage
	}
}

// WildcardModel matches every model of a provider in a price table.
const WildcardModel = "*"

const (
	DefaultCreditsPerUnit = 1.0
	DefaultCostUSDPerUnit = 0.01
	DefaultCacheTTL       = 5 * time.Minute

	// retryBackoff stops a failing source from being hit on every lookup.
	retryBackoff = 30 * time.Second
	loadTimeout  = 10 * time.Second
	// roundingTolerance absorbs float noise such as 1.1*10 = 11.000000000000002
	// so it is not rounded up to 12.
	roundingTolerance = 1e-9
)

// Price is one row of a price table.
type Price struct {
	Provider              string             `json:"provider"`
	Model                 string             `json:"model"`
	Operation             string             `json:"operation"`
	CreditsPerUnit        float64            `json:"creditsPerUnit"`
	CostUSDPerUnit        float64            `json:"costUsdPerUnit"`
	ResolutionMultipliers map[string]float64 `json:"resolutionMultipliers,omitempty"`
}

// Quote is the resolved price for one lookup.
type Quote struct {
	CreditsPerUnit       float64 `json:"creditsPerUnit"`
	CostUSDPerUnit       float64 `json:"costUsdPerUnit"`
	ResolutionMultiplier float64 `json:"resolutionMultiplier"`
	Source               string  `json:"source"`
}

// Quote sources
const (
	SourceCache   = "cache"
	SourceStatic  = "static"
	SourceDefault = "default"
)

// Source loads the authoritative price table.
type Source interface {
	LoadPrices(ctx context.Context) ([]Price, error)
}

type priceKey struct {
	provider, model, operation string
}

type table map[priceKey]Price

func newTable(prices []Price) table {
	t := make(table, len(prices))
	for _, p := range prices {
		t[priceKey{p.Provider, p.Model, p.Operation}] = p
	}
	return t
}

func (t table) lookup(provider, model, operation string) (Price, bool) {
	if p, ok := t[priceKey{provider, model, operation}]; ok {
		return p, true
	}
	p, ok := t[priceKey{provider, WildcardModel, operation}]
	return p, ok
}

// Calculator resolves prices and computes costs.
type Calculator struct {
	source Source
	static table
	ttl    time.Duration
	now    func() time.Time

	mu          sync.RWMutex
	cache       table
	loadedAt    time.Time
	nextAttempt time.Time

	group singleflight.Group
}

// Option configures Calculator.
type Option func(*Calculator)

// WithTTL sets how long a loaded table stays fresh (default 5m).
func WithTTL(ttl time.Duration) Option {
	return func(c *Calculator) { c.ttl = ttl }
}

// WithStaticPrices replaces the compiled fallback table.
func WithStaticPrices(prices []Price) Option {
	return func(c *Calculator) { c.static = newTable(prices) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// New creates a Calculator. source may be nil, in which case only the static
// table and the default are used.
func New(source Source, opts ...Option) *Calculator {
	c := &Calculator{
		source: source,
		static: newTable(StaticPrices),
		ttl:    DefaultCacheTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetPrice returns the price of one unit of operation.
func (c *Calculator) GetPrice(ctx context.Context, provider, model, operation, resolution string) Quote {
	if t := c.table(ctx); t != nil {
		if p, ok := t.lookup(provider, model, operation); ok {
			return quote(p, resolution, SourceCache)
		}
	}
	if p, ok := c.static.lookup(provider, model, operation); ok {
		return quote(p, resolution, SourceStatic)
	}
	return Quote{
		CreditsPerUnit:       DefaultCreditsPerUnit,
		CostUSDPerUnit:       DefaultCostUSDPerUnit,
		ResolutionMultiplier: 1,
		Source:               SourceDefault,
	}
}

func quote(p Price, resolution, source string) Quote {
	mult := 1.0
	if resolution != "" {
		if m, ok := p.ResolutionMultipliers[resolution]; ok && m > 0 {
			mult = m
		}
	}
	return Quote{
		CreditsPerUnit:       p.CreditsPerUnit,
		CostUSDPerUnit:       p.CostUSDPerUnit,
		ResolutionMultiplier: mult,
		Source:               source,
	}
}

// table returns a fresh cached table, refreshing it when stale. It returns nil
// when no fresh table is available.
func (c *Calculator) table(ctx context.Context) table {
	if c.source == nil {
		return nil
	}

	now := c.now()
	c.mu.RLock()
	cached, loadedAt, nextAttempt := c.cache, c.loadedAt, c.nextAttempt
	c.mu.RUnlock()

	if cached != nil && now.Sub(loadedAt) < c.ttl {
		return cached
	}
	if now.Before(nextAttempt) {
		return nil
	}

	v, err, _ := c.group.Do("prices", func() (interface{}, error) {
		c.mu.RLock()
		if c.cache != nil && c.now().Sub(c.loadedAt) < c.ttl {
			t := c.cache
			c.mu.RUnlock()
			return t, nil
		}
		c.mu.RUnlock()

		// shared by every waiter, so one caller's cancellation must not fail the rest
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		prices, err := c.source.LoadPrices(loadCtx)
		if err != nil {
			c.mu.Lock()
			c.nextAttempt = c.now().Add(retryBackoff)
			c.mu.Unlock()
			return nil, err
		}
		t := newTable(prices)
		c.mu.Lock()
		c.cache = t
		c.loadedAt = c.now()
		c.nextAttempt = time.Time{}
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		log.Warnf("[Pricing] failed to refresh price table, using static prices: %v", err)
		return nil
	}
	return v.(table)
}

// Invalidate forces the next lookup to reload the table.
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.nextAttempt = time.Time{}
	c.mu.Unlock()
}

// CostInput describes one billable operation.
type CostInput struct {
	Provider        string
	Model           string
	Operation       string
	Resolution      string
	Quantity        int
	DurationSeconds float64
	Characters      int
}

// Cost is the computed price of an operation.
type Cost struct {
	Credits    int64   `json:"credits"`
	CostUSD    float64 `json:"costUsd"`
	Multiplier float64 `json:"multiplier"`
	Quote      Quote   `json:"quote"`
}

// CalculateCost prices an operation. Credits are always rounded up.
func (c *Calculator) CalculateCost(ctx context.Context, in CostInput) Cost {
	q := c.GetPrice(ctx, in.Provider, in.Model, in.Operation, in.Resolution)

	quantity := in.Quantity
	if quantity < 1 {
		quantity = 1
	}
	mult := unitMultiplier(in) * q.ResolutionMultiplier
	units := float64(quantity) * mult

	return Cost{
		Credits:    ceilCredits(q.CreditsPerUnit * units),
		CostUSD:    q.CostUSDPerUnit * units,
		Multiplier: mult,
		Quote:      q,
	}
}

// unitMultiplier is whole seconds for timed media and thousands of
// characters for text and voice.
func unitMultiplier(in CostInput) float64 {
	switch in.Operation {
	case OperationAudio, OperationVideo, OperationMusic:
		if in.DurationSeconds > 0 {
			return math.Ceil(in.DurationSeconds)
		}
	case OperationText, OperationChat, OperationVoice:
		if in.Characters > 0 {
			return math.Ceil(float64(in.Characters) / 1000)
		}
	}
	return 1
}

func ceilCredits(raw float64) int64 {
	if raw <= roundingTolerance {
		return 0
	}
	return int64(math.Ceil(raw - roundingTolerance))
}
