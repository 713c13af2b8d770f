package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bracketbot/internal/adapters/logger" // Import the logger package for LogLevel
	"bracketbot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trade Parameters
	Symbol     string
	Side       domain.PositionSide
	OrderType  domain.OrderType
	Quantity   float64 // Entry order quantity
	LimitPrice float64 // Required for LIMIT/STOP_LIMIT entries
	StopPrice  float64 // Required for STOP_MARKET/STOP_LIMIT entries
	SignalName string  // Free-form label attached to the entry order

	// Protective Bracket
	AutoBracket        bool
	StopLossOffset     float64 // Absolute price offset below/above the fill basis
	ProfitTargetOffset float64 // Absolute price offset above/below the fill basis

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Observability
	MetricsAddr string // Listen address for the /metrics endpoint, empty disables it
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trade Parameters
	cfg.Symbol = getEnv("SYMBOL", "ETHUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}

	sideStr := strings.ToUpper(getEnv("SIDE", "LONG"))
	switch sideStr {
	case "LONG":
		cfg.Side = domain.Long
	case "SHORT":
		cfg.Side = domain.Short
	default:
		errs = append(errs, fmt.Sprintf("invalid SIDE %q: must be LONG or SHORT", sideStr))
	}

	orderTypeStr := strings.ToUpper(getEnv("ORDER_TYPE", "MARKET"))
	switch orderTypeStr {
	case "MARKET":
		cfg.OrderType = domain.OrderMarket
	case "LIMIT":
		cfg.OrderType = domain.OrderLimit
	case "STOP_MARKET":
		cfg.OrderType = domain.OrderStopMarket
	case "STOP_LIMIT":
		cfg.OrderType = domain.OrderStopLimit
	default:
		errs = append(errs, fmt.Sprintf("invalid ORDER_TYPE %q: must be MARKET, LIMIT, STOP_MARKET or STOP_LIMIT", orderTypeStr))
	}

	cfg.Quantity, err = getEnvAsFloatRequired("QUANTITY", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUANTITY: %v", err))
	} else if cfg.Quantity <= 0 {
		errs = append(errs, "QUANTITY must be positive")
	}

	cfg.LimitPrice, err = getEnvAsFloatRequired("LIMIT_PRICE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LIMIT_PRICE: %v", err))
	}
	if (cfg.OrderType == domain.OrderLimit || cfg.OrderType == domain.OrderStopLimit) && cfg.LimitPrice <= 0 {
		errs = append(errs, "LIMIT_PRICE must be positive for LIMIT/STOP_LIMIT entries")
	}

	cfg.StopPrice, err = getEnvAsFloatRequired("ENTRY_STOP_PRICE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ENTRY_STOP_PRICE: %v", err))
	}
	if (cfg.OrderType == domain.OrderStopMarket || cfg.OrderType == domain.OrderStopLimit) && cfg.StopPrice <= 0 {
		errs = append(errs, "ENTRY_STOP_PRICE must be positive for STOP_MARKET/STOP_LIMIT entries")
	}

	cfg.SignalName = getEnv("SIGNAL_NAME", "manual")

	// Protective Bracket
	cfg.AutoBracket = getEnvAsBool("AUTO_BRACKET", true)

	cfg.StopLossOffset, err = getEnvAsFloatRequired("STOP_LOSS_OFFSET", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_OFFSET: %v", err))
	}
	cfg.ProfitTargetOffset, err = getEnvAsFloatRequired("PROFIT_TARGET_OFFSET", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROFIT_TARGET_OFFSET: %v", err))
	}
	if cfg.AutoBracket {
		if cfg.StopLossOffset <= 0 {
			errs = append(errs, "STOP_LOSS_OFFSET must be positive when AUTO_BRACKET is enabled")
		}
		if cfg.ProfitTargetOffset <= 0 {
			errs = append(errs, "PROFIT_TARGET_OFFSET must be positive when AUTO_BRACKET is enabled")
		}
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
