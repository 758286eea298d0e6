package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// loadEnvFile loads environment variables from .env if it exists.
// Variables already present in the environment win.
func loadEnvFile() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read .env file: %w", err)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getEnvInt64Slice(key string, defaultValue []int64) []int64 {
	items := getEnvStringSlice(key, nil)
	if len(items) == 0 {
		return defaultValue
	}
	result := make([]int64, 0, len(items))
	for _, item := range items {
		parsed, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return defaultValue
		}
		result = append(result, parsed)
	}
	return result
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if parsed, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvRateMap parses "USDT:TMN=95000,TRX:TMN=30000" into upper-cased pair keys
func getEnvRateMap(key string, defaultValue map[string]decimal.Decimal) map[string]decimal.Decimal {
	items := getEnvStringSlice(key, nil)
	if len(items) == 0 {
		return defaultValue
	}
	result := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		pair, rate, ok := strings.Cut(item, "=")
		if !ok {
			return defaultValue
		}
		parsed, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil {
			return defaultValue
		}
		result[strings.ToUpper(strings.TrimSpace(pair))] = parsed
	}
	return result
}
