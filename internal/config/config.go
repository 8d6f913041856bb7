package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
type Config struct {
	// Queue store settings
	DBPath   string
	LogLevel string

	Mail  MailConfig
	Queue QueueConfig

	// Sender accounts; the first one is the default
	Accounts []AccountConfig
}

// MailConfig holds the traffic-mode and sender defaults
type MailConfig struct {
	// Mode is one of default, bcc, reroute, block
	Mode string

	DefaultSender     string
	DefaultSenderName string
	SubjectPrefix     string

	RerouteRecipients    []string
	RerouteSubjectPrefix string
	BccRecipients        []string

	// DebugAddress receives test mails
	DebugAddress string
}

// QueueConfig holds processing-pass tuning
type QueueConfig struct {
	// Batch ceilings for minute-scale and hour-scale runs
	MinuteBatchLimit int
	HourBatchLimit   int

	// Retention for terminal rows, in days
	MaxSentAgeDays   int
	MaxFailedAgeDays int
}

// AccountConfig holds one outbound SMTP identity with its throughput limits
type AccountConfig struct {
	Name string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	// SenderAddress is the envelope sender enforced by the provider;
	// empty means any message sender is passed through as-is.
	SenderAddress string

	LimitPerMinute int
	LimitPerHour   int
	LimitPerDay    int

	// Fallback names another account to fail over to when this one
	// is saturated
	Fallback string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:   getEnv("QUEUE_DB_PATH", "/data/mail_queue.db"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Mail: MailConfig{
			Mode:                 getEnv("MAIL_MODE", "default"),
			DefaultSender:        getEnv("MAIL_DEFAULT_SENDER", ""),
			DefaultSenderName:    getEnv("MAIL_DEFAULT_SENDER_NAME", ""),
			SubjectPrefix:        getEnv("MAIL_SUBJECT_PREFIX", ""),
			RerouteRecipients:    getEnvList("MAIL_REROUTE_RECIPIENTS"),
			RerouteSubjectPrefix: getEnv("MAIL_REROUTE_SUBJECT_PREFIX", "[REROUTED] "),
			BccRecipients:        getEnvList("MAIL_BCC_RECIPIENTS"),
			DebugAddress:         getEnv("MAIL_DEBUG_ADDRESS", ""),
		},
		Queue: QueueConfig{
			MinuteBatchLimit: getEnvInt("QUEUE_MINUTE_BATCH_LIMIT", 250),
			HourBatchLimit:   getEnvInt("QUEUE_HOUR_BATCH_LIMIT", 1000),
			MaxSentAgeDays:   getEnvInt("QUEUE_MAX_SENT_AGE_DAYS", 90),
			MaxFailedAgeDays: getEnvInt("QUEUE_MAX_FAILED_AGE_DAYS", 180),
		},
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads sender account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single account configuration (SMTP_*)
	if getEnv("SMTP_HOST", "") != "" {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
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
		return nil, fmt.Errorf("no sender accounts found in environment variables")
	}

	return accounts, nil
}

// loadSingleAccount loads a single account from SMTP_* variables
func loadSingleAccount() (*AccountConfig, error) {
	host := getEnv("SMTP_HOST", "")
	username := getEnv("SMTP_USERNAME", "")
	if host == "" || username == "" {
		return nil, fmt.Errorf("SMTP_HOST and SMTP_USERNAME are required")
	}

	return &AccountConfig{
		Name:           getEnv("ACCOUNT_NAME", "default"),
		SMTPHost:       host,
		SMTPPort:       getEnvInt("SMTP_PORT", 587),
		SMTPUsername:   username,
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		SenderAddress:  getEnv("SMTP_SENDER_ADDRESS", ""),
		LimitPerMinute: getEnvInt("SMTP_LIMIT_PER_MINUTE", 100),
		LimitPerHour:   getEnvInt("SMTP_LIMIT_PER_HOUR", 1000),
		LimitPerDay:    getEnvInt("SMTP_LIMIT_PER_DAY", 10000),
	}, nil
}

// loadAccountByNumber loads an account by number (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}

	host := getEnv(prefix+"SMTP_HOST", "")
	username := getEnv(prefix+"SMTP_USERNAME", "")
	if host == "" || username == "" {
		return nil, fmt.Errorf("account %d: SMTP_HOST and SMTP_USERNAME are required", num)
	}

	return &AccountConfig{
		Name:           name,
		SMTPHost:       host,
		SMTPPort:       getEnvInt(prefix+"SMTP_PORT", 587),
		SMTPUsername:   username,
		SMTPPassword:   getEnv(prefix+"SMTP_PASSWORD", ""),
		SenderAddress:  getEnv(prefix+"SENDER_ADDRESS", ""),
		LimitPerMinute: getEnvInt(prefix+"LIMIT_PER_MINUTE", 100),
		LimitPerHour:   getEnvInt(prefix+"LIMIT_PER_HOUR", 1000),
		LimitPerDay:    getEnvInt(prefix+"LIMIT_PER_DAY", 10000),
		Fallback:       getEnv(prefix+"FALLBACK", ""),
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

// getEnvList gets a comma-separated environment variable as a trimmed list
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var list []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
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
		return fmt.Errorf("QUEUE_DB_PATH is required")
	}

	switch c.Mail.Mode {
	case "default", "bcc", "reroute", "block":
	default:
		return fmt.Errorf("invalid MAIL_MODE: %s", c.Mail.Mode)
	}

	if c.Mail.Mode == "reroute" && len(c.Mail.RerouteRecipients) == 0 {
		return fmt.Errorf("MAIL_REROUTE_RECIPIENTS is required in reroute mode")
	}
	if c.Mail.Mode == "bcc" && len(c.Mail.BccRecipients) == 0 {
		return fmt.Errorf("MAIL_BCC_RECIPIENTS is required in bcc mode")
	}

	if c.Queue.MinuteBatchLimit < 1 || c.Queue.HourBatchLimit < 1 {
		return fmt.Errorf("batch limits must be positive")
	}
	if c.Queue.MaxSentAgeDays < 1 || c.Queue.MaxFailedAgeDays < 1 {
		return fmt.Errorf("retention ages must be positive")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one sender account must be configured")
	}

	names := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if names[acc.Name] {
			return fmt.Errorf("duplicate account name: %s", acc.Name)
		}
		names[acc.Name] = true

		if acc.SMTPPort < 1 || acc.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid SMTP_PORT", acc.Name)
		}
		if acc.LimitPerMinute < 1 || acc.LimitPerHour < 1 || acc.LimitPerDay < 1 {
			return fmt.Errorf("account %s: limits must be positive", acc.Name)
		}
	}

	// Fallback references must resolve and must not form a cycle
	for i := range c.Accounts {
		if err := c.checkFallbackChain(&c.Accounts[i]); err != nil {
			return err
		}
	}

	return nil
}

// checkFallbackChain walks one account's failover chain and rejects
// unknown references and cycles
func (c *Config) checkFallbackChain(start *AccountConfig) error {
	seen := map[string]bool{start.Name: true}
	current := start
	for current.Fallback != "" {
		next, err := c.GetAccountByName(current.Fallback)
		if err != nil {
			return fmt.Errorf("account %s: fallback %s is not configured", current.Name, current.Fallback)
		}
		if seen[next.Name] {
			return fmt.Errorf("account %s: fallback chain contains a cycle via %s", start.Name, next.Name)
		}
		seen[next.Name] = true
		current = next
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
