package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds configuration for the exchange server.
type Config struct {
	// Log level: debug, info, warn, error
	LogLevel string
	// Human readable console logs instead of JSON
	LogPretty bool

	// TCP order-entry gateway
	GatewayAddr string
	// Websocket notification endpoint
	WSAddr string

	// Pebble audit store directory
	DataDir string
	// CSV candles replayed by the simulation clock
	CandlesFile string

	// Ticks per second at start; zero starts paused
	Speed float64
	// Bound on waiting for the clock worker to stop
	StopTimeout time.Duration

	// Cash every new client starts with
	InitialCash decimal.Decimal

	// Synthetic liquidity shape
	TickSize        decimal.Decimal
	LiquidityLevels int
	LiquidityAlpha  float64
	LiquidityBeta   float64
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		GatewayAddr:     "0.0.0.0:9001",
		WSAddr:          "0.0.0.0:9002",
		DataDir:         "data",
		CandlesFile:     "candles.csv",
		Speed:           1,
		StopTimeout:     5 * time.Second,
		InitialCash:     decimal.NewFromInt(100_000),
		TickSize:        decimal.New(1, -2),
		LiquidityLevels: 20,
		LiquidityAlpha:  2,
		LiquidityBeta:   2,
	}
}

// Load reads an optional .env file, then lets environment variables
// override the defaults. Priority: ENV > .env file > defaults.
func Load(envPath string) Config {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	def := Default()
	return Config{
		LogLevel:        getEnvAsString("LOG_LEVEL", def.LogLevel),
		LogPretty:       getEnvAsBool("LOG_PRETTY", def.LogPretty),
		GatewayAddr:     getEnvAsString("GATEWAY_ADDR", def.GatewayAddr),
		WSAddr:          getEnvAsString("WS_ADDR", def.WSAddr),
		DataDir:         getEnvAsString("DATA_DIR", def.DataDir),
		CandlesFile:     getEnvAsString("CANDLES_FILE", def.CandlesFile),
		Speed:           getEnvAsFloat("SIM_SPEED", def.Speed),
		StopTimeout:     time.Duration(getEnvAsInt("STOP_TIMEOUT_MS", int(def.StopTimeout/time.Millisecond))) * time.Millisecond,
		InitialCash:     getEnvAsDecimal("INITIAL_CASH", def.InitialCash),
		TickSize:        getEnvAsDecimal("TICK_SIZE", def.TickSize),
		LiquidityLevels: getEnvAsInt("LIQUIDITY_LEVELS", def.LiquidityLevels),
		LiquidityAlpha:  getEnvAsFloat("LIQUIDITY_ALPHA", def.LiquidityAlpha),
		LiquidityBeta:   getEnvAsFloat("LIQUIDITY_BETA", def.LiquidityBeta),
	}
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
