package utils

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// Currency units
const (
	// TomanCurrency is the internal settlement unit
	TomanCurrency = "TMN"

	// RialCurrency is what Iranian card gateways settle in (10 IRR = 1 TMN)
	RialCurrency = "IRR"

	USDTCurrency = "USDT"

	// StarsCurrency is Telegram's in-chat currency
	StarsCurrency = "XTR"
)

// Request context keys set by handlers
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	UserAgentKey ContextKey = "user_agent"
	IPAddressKey ContextKey = "ip_address"
	EndpointKey  ContextKey = "endpoint"
	TimeoutKey   ContextKey = "timeout"
)
