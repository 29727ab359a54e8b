package config

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/joho/godotenv"
)

const (
	DefaultSyncInterval      = 30 * time.Second
	DefaultFiscalBatchSize   = 100
	DefaultAttemptTimeout    = 10 * time.Second
	DefaultRetryBudget       = 3
	DefaultRetryInitialDelay = 500 * time.Millisecond
)

// TerminalConfig is the static configuration of one POS station.
// IsPrimaryNode marks the single master of a deployment; it is configured, never elected.
type TerminalConfig struct {
	TerminalId    string `validate:"required"`
	DeviceToken   string `validate:"required"`
	IsPrimaryNode bool
	MasterURL     string `validate:"required,url"`

	SyncInterval      time.Duration `validate:"gt=0"`
	AttemptTimeout    time.Duration `validate:"gt=0"`
	RetryBudget       int           `validate:"gte=0"`
	RetryInitialDelay time.Duration `validate:"gt=0"`

	DefaultBatchSize int            `validate:"gt=0"`
	FiscalBatchSizes map[string]int // per fiscal type override

	Store StoreConfig
}

// IsPrimary exposes the role as the capability other packages depend on.
func (c TerminalConfig) IsPrimary() bool {
	return c.IsPrimaryNode
}

// FiscalBatchSize returns the lease size configured for fiscalType.
func (c TerminalConfig) FiscalBatchSize(fiscalType string) int {
	if n, ok := c.FiscalBatchSizes[strings.ToUpper(fiscalType)]; ok && n > 0 {
		return n
	}
	if c.DefaultBatchSize > 0 {
		return c.DefaultBatchSize
	}
	return DefaultFiscalBatchSize
}

// LoadTerminalConfig reads the terminal configuration from the environment (.env honoured).
//
// Env:
//   - TERMINAL_ID, TERMINAL_DEVICE_TOKEN, TERMINAL_IS_PRIMARY, SYNC_MASTER_URL
//   - SYNC_INTERVAL (default 30s), SYNC_ATTEMPT_TIMEOUT (default 10s)
//   - SYNC_RETRY_BUDGET (default 3), SYNC_RETRY_DELAY (default 500ms)
//   - FISCAL_BATCH_SIZE (default 100), FISCAL_BATCH_SIZES ("B01=100,B02=20")
//   - STORE_DRIVER (sqlite|mysql), STORE_DSN
func LoadTerminalConfig() (TerminalConfig, error) {
	_ = godotenv.Load()

	cfg := TerminalConfig{
		TerminalId:        stringFromEnv("TERMINAL_ID", ""),
		DeviceToken:       stringFromEnv("TERMINAL_DEVICE_TOKEN", ""),
		IsPrimaryNode:     envBoolDefault("TERMINAL_IS_PRIMARY", false),
		MasterURL:         strings.TrimRight(stringFromEnv("SYNC_MASTER_URL", "http://localhost:8080"), "/"),
		SyncInterval:      durationFromEnv("SYNC_INTERVAL", DefaultSyncInterval),
		AttemptTimeout:    durationFromEnv("SYNC_ATTEMPT_TIMEOUT", DefaultAttemptTimeout),
		RetryBudget:       intFromEnv("SYNC_RETRY_BUDGET", DefaultRetryBudget),
		RetryInitialDelay: durationFromEnv("SYNC_RETRY_DELAY", DefaultRetryInitialDelay),
		DefaultBatchSize:  intFromEnv("FISCAL_BATCH_SIZE", DefaultFiscalBatchSize),
		FiscalBatchSizes:  batchSizesFromEnv("FISCAL_BATCH_SIZES"),
		Store:             loadStoreConfig("pos-terminal.db"),
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return TerminalConfig{}, fmt.Errorf("invalid terminal config: %w", err)
	}
	return cfg, nil
}

// ServerConfig configures the sync server the master exposes to every terminal.
type ServerConfig struct {
	Port          string        `validate:"required"`
	JwtSecret     string        `validate:"required"`
	TokenLifespan time.Duration `validate:"gt=0"`
	RedisAddress  string
	PubSubTopic   string
	// DefaultBatchSize is the fiscal lease size used when a terminal does not ask for one.
	DefaultBatchSize int `validate:"gt=0"`

	Store StoreConfig
}

// LoadServerConfig reads the sync server configuration from the environment (.env honoured).
//
// Env: SYNC_PORT|PORT, API_SECRET, TOKEN_HOUR_LIFESPAN, REDIS_ADDRESS, SYNC_EVENTS_TOPIC,
// FISCAL_BATCH_SIZE, STORE_DRIVER, STORE_DSN.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	port := stringFromEnv("SYNC_PORT", stringFromEnv("PORT", "8080"))
	cfg := ServerConfig{
		Port:             port,
		JwtSecret:        stringFromEnv("API_SECRET", ""),
		TokenLifespan:    time.Duration(intFromEnv("TOKEN_HOUR_LIFESPAN", 12)) * time.Hour,
		RedisAddress:     stringFromEnv("REDIS_ADDRESS", ""),
		PubSubTopic:      stringFromEnv("SYNC_EVENTS_TOPIC", ""),
		DefaultBatchSize: intFromEnv("FISCAL_BATCH_SIZE", DefaultFiscalBatchSize),
		Store:            loadStoreConfig("sync-server.db"),
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

// LoadStoreConfig reads only the store settings, for maintenance tools (.env honoured).
func LoadStoreConfig(defaultFile string) StoreConfig {
	_ = godotenv.Load()
	return loadStoreConfig(defaultFile)
}
