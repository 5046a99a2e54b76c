package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Mirror database settings
	DBPath   string
	LogLevel string

	// Connection pool settings
	PoolMaxPerAccount  int
	PoolAcquireTimeout time.Duration
	PoolIdleTimeout    time.Duration
	PoolSweepInterval  time.Duration

	// Operation worker settings
	WorkerInterval   time.Duration
	WorkerBatchSize  int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Background sync settings
	SyncInterval     time.Duration
	SyncInitialDelay time.Duration
	SyncPageSize     int

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single mail account
type AccountConfig struct {
	Name  string
	Email string

	// IMAP settings
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:   getEnv("DB_PATH", "/data/mailsync.db"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		PoolMaxPerAccount:  getEnvInt("POOL_MAX_PER_ACCOUNT", 3),
		PoolAcquireTimeout: getEnvDuration("POOL_ACQUIRE_TIMEOUT_SEC", 30*time.Second),
		PoolIdleTimeout:    getEnvDuration("POOL_IDLE_TIMEOUT_SEC", 5*time.Minute),
		PoolSweepInterval:  getEnvDuration("POOL_SWEEP_INTERVAL_SEC", 60*time.Second),

		WorkerInterval:   getEnvDurationMs("WORKER_INTERVAL_MS", 5*time.Second),
		WorkerBatchSize:  getEnvInt("WORKER_BATCH_SIZE", 50),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 10),
		RetryBaseDelay:   getEnvDurationMs("RETRY_BASE_DELAY_MS", 5*time.Second),
		RetryMaxDelay:    getEnvDurationMs("RETRY_MAX_DELAY_MS", 10*time.Minute),

		SyncInterval:     getEnvDuration("SYNC_INTERVAL_SEC", 60*time.Second),
		SyncInitialDelay: getEnvDuration("SYNC_INITIAL_DELAY_SEC", 10*time.Second),
		SyncPageSize:     getEnvInt("SYNC_PAGE_SIZE", 100),
	}

	// Load accounts
	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no mail accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

// loadAccounts loads mail account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration (for backward compatibility)
	if hasSingleAccount() {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		account, err := loadAccountByNumber(accountNum)
		if err != nil {
			break // No more accounts
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// hasSingleAccount checks if single account configuration exists
func hasSingleAccount() bool {
	return getEnv("IMAP_HOST", "") != ""
}

// loadSingleAccount loads a single account from environment variables
func loadSingleAccount() (*AccountConfig, error) {
	imapHost := getEnv("IMAP_HOST", "")
	imapPort := getEnvInt("IMAP_PORT", 993)
	imapUsername := getEnv("IMAP_USERNAME", "")
	imapPassword := getEnv("IMAP_PASSWORD", "")

	if imapHost == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}

	if imapUsername == "" {
		return nil, fmt.Errorf("IMAP_USERNAME is required")
	}

	if imapPassword == "" {
		return nil, fmt.Errorf("IMAP_PASSWORD is required")
	}

	// Default account name
	name := getEnv("ACCOUNT_NAME", "default")
	if name == "" {
		name = "default"
	}

	return &AccountConfig{
		Name:         name,
		Email:        getEnv("ACCOUNT_EMAIL", imapUsername),
		IMAPHost:     imapHost,
		IMAPPort:     imapPort,
		IMAPUsername: imapUsername,
		IMAPPassword: imapPassword,
	}, nil
}

// loadAccountByNumber loads an account by number (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}

	imapHost := getEnv(prefix+"IMAP_HOST", "")
	imapPort := getEnvInt(prefix+"IMAP_PORT", 993)
	imapUsername := getEnv(prefix+"IMAP_USERNAME", "")
	imapPassword := getEnv(prefix+"IMAP_PASSWORD", "")

	if imapHost == "" {
		return nil, fmt.Errorf("account %d: IMAP_HOST is required", num)
	}

	if imapUsername == "" {
		return nil, fmt.Errorf("account %d: IMAP_USERNAME is required", num)
	}

	if imapPassword == "" {
		return nil, fmt.Errorf("account %d: IMAP_PASSWORD is required", num)
	}

	return &AccountConfig{
		Name:         name,
		Email:        getEnv(prefix+"EMAIL", imapUsername),
		IMAPHost:     imapHost,
		IMAPPort:     imapPort,
		IMAPUsername: imapUsername,
		IMAPPassword: imapPassword,
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return defaultValue
}

// getEnvDurationMs gets an environment variable as a number of milliseconds
func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Millisecond
		}
	}
	return defaultValue
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}

	if c.PoolMaxPerAccount < 1 {
		return fmt.Errorf("POOL_MAX_PER_ACCOUNT must be at least 1")
	}

	if c.WorkerBatchSize < 1 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be at least 1")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if c.SyncPageSize < 1 || c.SyncPageSize > 1000 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 1000")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	// Validate each account
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
