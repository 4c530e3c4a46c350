package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type WalletConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	ReturnURL   string
	NotifyURL   string
}

type CardConfig struct {
	APIKey        string
	APIBase       string
	WebhookSecret string
}

type FeeConfig struct {
	CarRate          int64
	MotorbikeRate    int64
	BillingIncrement time.Duration
	MonthlyCarFee    int64
	MonthlyMotoFee   int64
}

type Config struct {
	HTTPAddr     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string

	Wallet WalletConfig
	Card   CardConfig
	Fees   FeeConfig

	TransactionTimeout time.Duration
	SweepInterval      time.Duration
	GatewayTimeout     time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		PostgresDSN:  getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=parkcore sslmode=disable"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers: []string{getEnv("KAFKA_BROKER", "localhost:9092")},
		JWTSecret:    getEnv("JWT_SECRET", "supersecret"),
		Wallet: WalletConfig{
			PartnerCode: getEnv("WALLET_PARTNER_CODE", "PARKCORE"),
			AccessKey:   getEnv("WALLET_ACCESS_KEY", ""),
			SecretKey:   getEnv("WALLET_SECRET_KEY", ""),
			Endpoint:    getEnv("WALLET_ENDPOINT", "https://test-payment.momo.vn/gw_payment/transactionProcessor"),
			ReturnURL:   getEnv("WALLET_RETURN_URL", "http://localhost:8080/payment/return"),
			NotifyURL:   getEnv("WALLET_NOTIFY_URL", "http://localhost:8080/api/payment/webhook/wallet"),
		},
		Card: CardConfig{
			APIKey:        getEnv("CARD_API_KEY", ""),
			APIBase:       getEnv("CARD_API_BASE", "https://api.stripe.com"),
			WebhookSecret: getEnv("CARD_WEBHOOK_SECRET", ""),
		},
		Fees: FeeConfig{
			CarRate:          getEnvInt64("FEE_CAR_RATE", 30000),
			MotorbikeRate:    getEnvInt64("FEE_MOTORBIKE_RATE", 10000),
			BillingIncrement: getEnvDuration("FEE_BILLING_INCREMENT", time.Hour),
			MonthlyCarFee:    getEnvInt64("FEE_MONTHLY_CAR", 1500000),
			MonthlyMotoFee:   getEnvInt64("FEE_MONTHLY_MOTORBIKE", 300000),
		},
		TransactionTimeout: getEnvDuration("TX_TIMEOUT", 30*time.Minute),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"billing_increment", cfg.Fees.BillingIncrement,
		"tx_timeout", cfg.TransactionTimeout)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env value, using default", "key", key, "value", v)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env value, using default", "key", key, "value", v)
		return def
	}
	return d
}
