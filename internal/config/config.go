package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"escrow-service/internal/domain"
)

type Config struct {
	Mongo    MongoConfig
	Telegram TelegramConfig
	Golos    GolosConfig
	Locales  LocalesConfig
}

type MongoConfig struct {
	URI      string
	Database string
}

type TelegramConfig struct {
	Token         string
	SupportChatID int64
}

type GolosConfig struct {
	Nodes     []string
	WalletURL string
	Account   string
	Explorer  string
	Limits    map[string]domain.InsuranceLimits
}

type LocalesConfig struct {
	Dir string
}

func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	nodes := strings.Split(getEnv("GOLOS_NODES",
		"wss://api.golos.blckchnd.com/ws,wss://golosd.privex.io"), ",")
	for i := range nodes {
		nodes[i] = strings.TrimSpace(nodes[i])
	}

	limits := map[string]domain.InsuranceLimits{
		"GOLOS": {
			Single: getEnvAsDecimal("GOLOS_LIMIT_SINGLE", "10000"),
			Total:  getEnvAsDecimal("GOLOS_LIMIT_TOTAL", "100000"),
		},
		"GBG": {
			Single: getEnvAsDecimal("GBG_LIMIT_SINGLE", "1000"),
			Total:  getEnvAsDecimal("GBG_LIMIT_TOTAL", "10000"),
		},
	}

	return &Config{
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DATABASE", "escrow"),
		},
		Telegram: TelegramConfig{
			Token:         token,
			SupportChatID: getEnvAsInt64("SUPPORT_CHAT_ID", 0),
		},
		Golos: GolosConfig{
			Nodes:     nodes,
			WalletURL: getEnv("GOLOS_WALLET_URL", "ws://localhost:8091"),
			Account:   getEnv("GOLOS_ACCOUNT", "escrowbot"),
			Explorer:  getEnv("GOLOS_EXPLORER", "https://golos.cf/tx/?=%s"),
			Limits:    limits,
		},
		Locales: LocalesConfig{
			Dir: getEnv("LOCALES_DIR", "./locales"),
		},
	}, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}
	return value
}
