package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AMQPURL               string
	TenantID              string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	SaleTxTimeoutSeconds  int
	AllowPartialPayment   bool
	ExpiryWindowDays      int
	ExpiryCacheTTLSeconds int
}

func Load() Config {
	// .env is a dev convenience; real environment variables always win.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("AUTH_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	txTimeout, err := strconv.Atoi(getEnv("SALE_TX_TIMEOUT_SECONDS", "5"))
	if err != nil || txTimeout < 1 {
		txTimeout = 5
	}
	expiryWindow, err := strconv.Atoi(getEnv("EXPIRY_ALERT_WINDOW_DAYS", "90"))
	if err != nil || expiryWindow < 1 {
		expiryWindow = 90
	}
	expiryTTL, err := strconv.Atoi(getEnv("EXPIRY_CACHE_TTL_SECONDS", "60"))
	if err != nil || expiryTTL < 1 {
		expiryTTL = 60
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AMQPURL:               os.Getenv("AMQP_URL"),
		TenantID:              getEnv("DEFAULT_TENANT_ID", "apotek-main"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		SaleTxTimeoutSeconds:  txTimeout,
		AllowPartialPayment:   strings.EqualFold(getEnv("ALLOW_PARTIAL_PAYMENT", "false"), "true"),
		ExpiryWindowDays:      expiryWindow,
		ExpiryCacheTTLSeconds: expiryTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
