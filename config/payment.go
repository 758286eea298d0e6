package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationConfig drives crediting, referral and polling behavior.
// It is built once at startup and handed to every component that needs it.
type ReconciliationConfig struct {
	// Referral policy, amounts in TMN
	MinTopupForBonus              int64 `json:"min_topup_for_bonus"`
	CommissionPercent             int   `json:"commission_percent"`
	ReferredUserBonus             int64 `json:"referred_user_bonus"`
	InviterFixedBonus             int64 `json:"inviter_fixed_bonus"`
	ForfeitFirstBonusBelowMinimum bool  `json:"forfeit_first_bonus_below_minimum"`

	// Providers accepting webhooks and polls
	EnabledProviders []string `json:"enabled_providers"`

	// Poller
	PollTimeout     time.Duration `json:"poll_timeout"`
	SweepInterval   time.Duration `json:"sweep_interval"`
	SweepStaleAfter time.Duration `json:"sweep_stale_after"`
	SweepBatchSize  int           `json:"sweep_batch_size"`
	// A record polled within SweepRepollAfter is left for a later sweep
	SweepRepollAfter time.Duration `json:"sweep_repoll_after"`
	// Pending records older than this, or past their provider expiry, are expired
	// once a sweep poll still finds them pending. Zero disables the age limit.
	PendingMaxAge time.Duration `json:"pending_max_age"`

	// Webhook processing and post-credit effects
	WebhookTimeout time.Duration `json:"webhook_timeout"`
	EffectTimeout  time.Duration `json:"effect_timeout"`
}

// IsProviderEnabled reports whether provider is switched on
func (c ReconciliationConfig) IsProviderEnabled(provider string) bool {
	for _, p := range c.EnabledProviders {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

type OxapayConfig struct {
	BaseURL        string        `json:"base_url"`
	MerchantKey    string        `json:"merchant_key"`
	CallbackURL    string        `json:"callback_url"`
	ReturnURL      string        `json:"return_url"`
	Lifetime       int           `json:"lifetime"` // minutes
	Timeout        time.Duration `json:"timeout"`
	SettleAsset    string        `json:"settle_asset"`
	FeePaidByPayer bool          `json:"fee_paid_by_payer"`
}

type AtipayConfig struct {
	APIKey   string        `json:"api_key"`
	Terminal string        `json:"terminal"`
	BaseURL  string        `json:"base_url"`
	Timeout  time.Duration `json:"timeout"`
}

type StarsConfig struct {
	// RatePerStar is the number of TMN credited per star
	RatePerStar   decimal.Decimal `json:"rate_per_star"`
	WebhookSecret string          `json:"webhook_secret"`
}

type BankLinkConfig struct {
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key"`
	WebhookSecret string        `json:"webhook_secret"`
	CallbackURL   string        `json:"callback_url"`
	Timeout       time.Duration `json:"timeout"`
}

type ExchangeRateConfig struct {
	WallexBaseURL string                     `json:"wallex_base_url"`
	Timeout       time.Duration              `json:"timeout"`
	CacheTTL      time.Duration              `json:"cache_ttl"`
	FallbackRates map[string]decimal.Decimal `json:"fallback_rates"` // "FROM:TO" -> rate
}

type TelegramConfig struct {
	BotToken     string        `json:"-"`
	APIBaseURL   string        `json:"api_base_url"`
	AdminChatIDs []int64       `json:"admin_chat_ids"`
	Timeout      time.Duration `json:"timeout"`
	UseMock      bool          `json:"use_mock"`
}

type KafkaConfig struct {
	Enabled        bool          `json:"enabled"`
	Brokers        []string      `json:"brokers"`
	CreditedTopic  string        `json:"credited_topic"`
	MaxAttempts    int           `json:"max_attempts"`
	BaseRetryDelay time.Duration `json:"base_retry_delay"`
	MaxRetryDelay  time.Duration `json:"max_retry_delay"`
	Jitter         bool          `json:"jitter"`
}

func loadReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		MinTopupForBonus:              getEnvInt64("REFERRAL_MIN_TOPUP", 100_000),
		CommissionPercent:             getEnvInt("REFERRAL_COMMISSION_PERCENT", 10),
		ReferredUserBonus:             getEnvInt64("REFERRAL_REFERRED_BONUS", 20_000),
		InviterFixedBonus:             getEnvInt64("REFERRAL_INVITER_BONUS", 50_000),
		ForfeitFirstBonusBelowMinimum: getEnvBool("REFERRAL_FORFEIT_BELOW_MIN", false),
		EnabledProviders:              getEnvStringSlice("PAYMENT_ENABLED_PROVIDERS", []string{"crypto_invoice", "card_gateway", "chat_micropay", "bank_link"}),
		PollTimeout:                   getEnvDuration("PAYMENT_POLL_TIMEOUT", 15*time.Second),
		SweepInterval:                 getEnvDuration("PAYMENT_SWEEP_INTERVAL", 5*time.Minute),
		SweepStaleAfter:               getEnvDuration("PAYMENT_SWEEP_STALE_AFTER", 10*time.Minute),
		SweepBatchSize:                getEnvInt("PAYMENT_SWEEP_BATCH_SIZE", 100),
		SweepRepollAfter:              getEnvDuration("PAYMENT_SWEEP_REPOLL_AFTER", 2*time.Minute),
		PendingMaxAge:                 getEnvDuration("PAYMENT_PENDING_MAX_AGE", 72*time.Hour),
		WebhookTimeout:                getEnvDuration("PAYMENT_WEBHOOK_TIMEOUT", 30*time.Second),
		EffectTimeout:                 getEnvDuration("PAYMENT_EFFECT_TIMEOUT", 10*time.Second),
	}
}

func loadProviderConfigs(cfg *ProductionConfig) {
	cfg.Oxapay = OxapayConfig{
		BaseURL:        getEnvString("OXAPAY_BASE_URL", "https://api.oxapay.com/v1"),
		MerchantKey:    getEnvString("OXAPAY_MERCHANT_KEY", ""),
		CallbackURL:    getEnvString("OXAPAY_CALLBACK_URL", ""),
		ReturnURL:      getEnvString("OXAPAY_RETURN_URL", ""),
		Lifetime:       getEnvInt("OXAPAY_LIFETIME_MINUTES", 60),
		Timeout:        getEnvDuration("OXAPAY_TIMEOUT", 30*time.Second),
		SettleAsset:    getEnvString("OXAPAY_SETTLE_ASSET", "USDT"),
		FeePaidByPayer: getEnvBool("OXAPAY_FEE_PAID_BY_PAYER", true),
	}
	cfg.Atipay = AtipayConfig{
		APIKey:   getEnvString("ATIPAY_API_KEY", ""),
		Terminal: getEnvString("ATIPAY_TERMINAL", ""),
		BaseURL:  getEnvString("ATIPAY_BASE_URL", "https://mipg.atipay.net/v1"),
		Timeout:  getEnvDuration("ATIPAY_TIMEOUT", 5*time.Second),
	}
	cfg.Stars = StarsConfig{
		RatePerStar:   getEnvDecimal("STARS_RATE_PER_STAR", decimal.NewFromInt(1_500)),
		WebhookSecret: getEnvString("STARS_WEBHOOK_SECRET", ""),
	}
	cfg.BankLink = BankLinkConfig{
		BaseURL:       getEnvString("BANK_LINK_BASE_URL", ""),
		APIKey:        getEnvString("BANK_LINK_API_KEY", ""),
		WebhookSecret: getEnvString("BANK_LINK_WEBHOOK_SECRET", ""),
		CallbackURL:   getEnvString("BANK_LINK_CALLBACK_URL", ""),
		Timeout:       getEnvDuration("BANK_LINK_TIMEOUT", 15*time.Second),
	}
	cfg.ExchangeRate = ExchangeRateConfig{
		WallexBaseURL: getEnvString("WALLEX_BASE_URL", "https://api.wallex.ir/v1"),
		Timeout:       getEnvDuration("EXCHANGE_RATE_TIMEOUT", 10*time.Second),
		CacheTTL:      getEnvDuration("EXCHANGE_RATE_CACHE_TTL", 5*time.Minute),
		FallbackRates: getEnvRateMap("EXCHANGE_FALLBACK_RATES", map[string]decimal.Decimal{
			"USDT:TMN": decimal.NewFromInt(100_000),
		}),
	}
	cfg.Telegram = TelegramConfig{
		BotToken:     getEnvString("TELEGRAM_BOT_TOKEN", ""),
		APIBaseURL:   getEnvString("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		AdminChatIDs: getEnvInt64Slice("TELEGRAM_ADMIN_CHAT_IDS", nil),
		Timeout:      getEnvDuration("TELEGRAM_TIMEOUT", 10*time.Second),
		UseMock:      getEnvBool("TELEGRAM_USE_MOCK", false),
	}
	cfg.Kafka = KafkaConfig{
		Enabled:        getEnvBool("KAFKA_ENABLED", false),
		Brokers:        getEnvStringSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		CreditedTopic:  getEnvString("KAFKA_CREDITED_TOPIC", "payment.credited"),
		MaxAttempts:    getEnvInt("KAFKA_MAX_ATTEMPTS", 5),
		BaseRetryDelay: getEnvDuration("KAFKA_BASE_RETRY_DELAY", 100*time.Millisecond),
		MaxRetryDelay:  getEnvDuration("KAFKA_MAX_RETRY_DELAY", 10*time.Second),
		Jitter:         getEnvBool("KAFKA_RETRY_JITTER", true),
	}
}
