package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// VNPayConfig holds merchant credentials for VNPAY.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	APIURL     string
}

// Enabled reports whether checkout can be signed.
func (c VNPayConfig) Enabled() bool { return c.TmnCode != "" && c.HashSecret != "" }

// MoMoConfig holds merchant credentials for MoMo.
type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
}

func (c MoMoConfig) Enabled() bool {
	return c.PartnerCode != "" && c.AccessKey != "" && c.SecretKey != ""
}

// PayOSConfig holds merchant credentials for PayOS.
type PayOSConfig struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	PartnerCode string
	APIURL      string
	CancelURL   string
}

func (c PayOSConfig) Enabled() bool {
	return c.ClientID != "" && c.APIKey != "" && c.ChecksumKey != ""
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	LogFormat          string
	LogLevel           string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	AdminAPIKeyHash    string
	CORSAllowedOrigins []string
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string
	CurrencyCode   string
	PublicBaseURL  string

	PaymentIntentTTL        time.Duration
	PaymentGatewayTimeout   time.Duration
	PaymentReconcileTimeout time.Duration
	PaymentResultURL        string
	WebhookMaxBodyBytes     int64

	VNPay VNPayConfig
	MoMo  MoMoConfig
	PayOS PayOSConfig

	OrdersAPIURL   string
	OrdersAPIToken string

	KafkaBrokers []string
	KafkaTopic   string

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	HTTPMaxAttempts         int

	LockTTL     time.Duration
	LockMaxWait time.Duration

	RateLimitIntent  string
	RateLimitWebhook string

	QueueName        string
	QueueConcurrency int
	QueueMaxAttempts int
	QueueRetention   time.Duration
	ExpirySweepCron  string
	// WorkerMetricsAddr is where the worker serves /metrics; empty disables it.
	WorkerMetricsAddr string

	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRatio float64
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience:        strings.TrimSpace(k.String("JWT_AUDIENCE")),
		AdminAPIKeyHash:    strings.TrimSpace(k.String("ADMIN_API_KEY_HASH")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		TrustedProxies:     splitAndTrim(k.String("TRUSTED_PROXIES")),
		CurrencyCode:       strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "VND")),
		PublicBaseURL:      strings.TrimRight(k.String("PUBLIC_BASE_URL"), "/"),

		PaymentIntentTTL:        parseDuration(k.String("PAYMENT_INTENT_TTL"), "15m"),
		PaymentGatewayTimeout:   parseDuration(k.String("PAYMENT_GATEWAY_TIMEOUT"), "10s"),
		PaymentReconcileTimeout: parseDuration(k.String("PAYMENT_RECONCILE_TIMEOUT"), "5s"),
		PaymentResultURL:        strings.TrimSpace(k.String("PAYMENT_RESULT_URL")),
		WebhookMaxBodyBytes:     int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 64<<10)),

		VNPay: VNPayConfig{
			TmnCode:    k.String("VNPAY_TMN_CODE"),
			HashSecret: k.String("VNPAY_HASH_SECRET"),
			PayURL:     valueOrDefault(k.String("VNPAY_PAY_URL"), "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			APIURL:     valueOrDefault(k.String("VNPAY_API_URL"), "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction"),
		},
		MoMo: MoMoConfig{
			PartnerCode: k.String("MOMO_PARTNER_CODE"),
			AccessKey:   k.String("MOMO_ACCESS_KEY"),
			SecretKey:   k.String("MOMO_SECRET_KEY"),
			Endpoint:    valueOrDefault(k.String("MOMO_ENDPOINT"), "https://test-payment.momo.vn"),
		},
		PayOS: PayOSConfig{
			ClientID:    k.String("PAYOS_CLIENT_ID"),
			APIKey:      k.String("PAYOS_API_KEY"),
			ChecksumKey: k.String("PAYOS_CHECKSUM_KEY"),
			PartnerCode: k.String("PAYOS_PARTNER_CODE"),
			APIURL:      valueOrDefault(k.String("PAYOS_API_URL"), "https://api-merchant.payos.vn"),
			CancelURL:   k.String("PAYOS_CANCEL_URL"),
		},

		OrdersAPIURL:   strings.TrimRight(k.String("ORDERS_API_URL"), "/"),
		OrdersAPIToken: k.String("ORDERS_API_TOKEN"),

		KafkaBrokers: splitAndTrim(k.String("KAFKA_BROKERS")),
		KafkaTopic:   valueOrDefault(k.String("KAFKA_TOPIC"), "payment-events"),

		CircuitFailureThreshold: parseInt(k.String("CIRCUIT_FAILURE_THRESHOLD"), 5),
		CircuitCooldown:         parseDuration(k.String("CIRCUIT_COOLDOWN"), "30s"),
		HTTPMaxAttempts:         parseInt(k.String("HTTP_MAX_ATTEMPTS"), 3),

		LockTTL:     parseDuration(k.String("LOCK_TTL"), "30s"),
		LockMaxWait: parseDuration(k.String("LOCK_MAX_WAIT"), "10s"),

		RateLimitIntent:  valueOrDefault(k.String("RATE_LIMIT_INTENT"), "20-M"),
		RateLimitWebhook: valueOrDefault(k.String("RATE_LIMIT_WEBHOOK"), "600-M"),

		QueueName:         valueOrDefault(k.String("QUEUE_NAME"), "payments"),
		QueueConcurrency:  parseInt(k.String("QUEUE_CONCURRENCY"), 10),
		QueueMaxAttempts:  parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 10),
		QueueRetention:    parseDuration(k.String("QUEUE_RETENTION"), "24h"),
		ExpirySweepCron:   valueOrDefault(k.String("QUEUE_EXPIRY_CRON"), "@every 1m"),
		WorkerMetricsAddr: strings.TrimSpace(valueOrDefault(k.String("WORKER_METRICS_ADDR"), ":9091")),

		OTelEndpoint:    strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTelServiceName: valueOrDefault(k.String("OTEL_SERVICE_NAME"), "payment-core"),
		OTelSampleRatio: parseFloat(k.String("OTEL_TRACES_SAMPLER_ARG"), 1),
		ShutdownTimeout: parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.OrdersAPIURL == "" {
		return nil, errors.New("ORDERS_API_URL is required")
	}
	if !cfg.VNPay.Enabled() && !cfg.MoMo.Enabled() && !cfg.PayOS.Enabled() {
		return nil, errors.New("at least one payment gateway must be configured")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// WebhookURL is the public notification URL registered with a gateway.
func (c *Config) WebhookURL(provider string) string {
	return c.PublicBaseURL + "/payments/" + provider + "/webhook"
}

// CallbackURL is the browser return URL handed to a gateway.
func (c *Config) CallbackURL(provider string) string {
	return c.PublicBaseURL + "/payments/" + provider + "/callback"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
