package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rate sources recorded alongside converted amounts
const (
	RateSourceIdentity = "identity"
	RateSourceStatic   = "static"
	RateSourceWallex   = "wallex"
	RateSourceCache    = "cache"
	RateSourceFallback = "fallback"
)

var ErrNoRate = errors.New("no exchange rate available")

// staticRates are fixed unit conversions that never need a market price
var staticRates = map[string]decimal.Decimal{
	pairKey(utils.RialCurrency, utils.TomanCurrency): decimal.New(1, -1),
	pairKey(utils.TomanCurrency, utils.RialCurrency): decimal.NewFromInt(10),
}

// Conversion is the outcome of converting an amount between units
type Conversion struct {
	Amount decimal.Decimal
	Rate   decimal.Decimal
	Source string
}

// ExchangeRateService converts provider amounts into the ledger unit
type ExchangeRateService interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*Conversion, error)
}

// RateSource fetches a live market rate
type RateSource interface {
	Name() string
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// ExchangeRateServiceImpl tries live, cached and configured rates in that order
type ExchangeRateServiceImpl struct {
	live      RateSource
	cache     *redis.Client
	prefix    string
	cacheTTL  time.Duration
	fallbacks map[string]decimal.Decimal
	logger    *zap.Logger
}

// NewExchangeRateService creates the converter. cache may be nil.
func NewExchangeRateService(cfg config.ExchangeRateConfig, live RateSource, cache *redis.Client, cachePrefix string, logger *zap.Logger) ExchangeRateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	fallbacks := make(map[string]decimal.Decimal, len(cfg.FallbackRates))
	for k, v := range cfg.FallbackRates {
		fallbacks[strings.ToUpper(k)] = v
	}
	return &ExchangeRateServiceImpl{
		live:      live,
		cache:     cache,
		prefix:    cachePrefix,
		cacheTTL:  cfg.CacheTTL,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

// Convert multiplies amount by the best available rate for from→to
func (s *ExchangeRateServiceImpl) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*Conversion, error) {
	rate, source, err := s.resolve(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &Conversion{
		Amount: amount.Mul(rate),
		Rate:   rate,
		Source: source,
	}, nil
}

func (s *ExchangeRateServiceImpl) resolve(ctx context.Context, from, to string) (decimal.Decimal, string, error) {
	key := pairKey(from, to)
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), RateSourceIdentity, nil
	}
	if r, ok := staticRates[key]; ok {
		return r, RateSourceStatic, nil
	}

	if s.live != nil {
		r, err := s.live.Rate(ctx, from, to)
		if err == nil && r.IsPositive() {
			s.storeCached(ctx, key, r)
			return r, s.live.Name(), nil
		}
		s.logger.Warn("live exchange rate unavailable",
			zap.String("pair", key),
			zap.String("source", s.live.Name()),
			zap.Error(err),
		)
	}

	if r, ok := s.loadCached(ctx, key); ok {
		return r, RateSourceCache, nil
	}

	if r, ok := s.fallbacks[key]; ok && r.IsPositive() {
		return r, RateSourceFallback, nil
	}

	return decimal.Zero, "", fmt.Errorf("%w: %s", ErrNoRate, key)
}

func (s *ExchangeRateServiceImpl) cacheKey(pair string) string {
	return s.prefix + "fx:" + pair
}

func (s *ExchangeRateServiceImpl) storeCached(ctx context.Context, pair string, rate decimal.Decimal) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(pair), rate.String(), s.cacheTTL).Err(); err != nil {
		s.logger.Warn("failed to cache exchange rate", zap.String("pair", pair), zap.Error(err))
	}
}

func (s *ExchangeRateServiceImpl) loadCached(ctx context.Context, pair string) (decimal.Decimal, bool) {
	if s.cache == nil {
		return decimal.Zero, false
	}
	val, err := s.cache.Get(ctx, s.cacheKey(pair)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("failed to read cached exchange rate", zap.String("pair", pair), zap.Error(err))
		}
		return decimal.Zero, false
	}
	r, err := decimal.NewFromString(val)
	if err != nil || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// WallexRateSource reads the latest trade price from Wallex
type WallexRateSource struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewWallexRateSource(baseURL string, timeout time.Duration) *WallexRateSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WallexRateSource{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (w *WallexRateSource) Name() string { return RateSourceWallex }

type wallexTradesResponse struct {
	Result struct {
		LatestTrades []struct {
			Symbol    string `json:"symbol"`
			Price     string `json:"price"`
			Timestamp string `json:"timestamp"`
		} `json:"latestTrades"`
	} `json:"result"`
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// Rate fetches /trades?symbol=<from><to>, e.g. usdttmn
func (w *WallexRateSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	symbol := strings.ToLower(from + to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"/trades?symbol="+symbol, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: wallex: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if err := classifyHTTPStatus("wallex", resp.StatusCode); err != nil {
		return decimal.Zero, err
	}

	var out wallexTradesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("wallex decode: %w", err)
	}
	if !out.Success || len(out.Result.LatestTrades) == 0 {
		return decimal.Zero, fmt.Errorf("wallex: no trades for %s: %s", symbol, out.Message)
	}
	price, err := decimal.NewFromString(out.Result.LatestTrades[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallex price: %w", err)
	}
	return price, nil
}
