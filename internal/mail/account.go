package mail

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/randylampa/mailqueue/internal/config"
	"github.com/randylampa/mailqueue/pkg/types"
)

// ErrNoAccounts is returned when resolution runs against an empty registry
var ErrNoAccounts = errors.New("no sender accounts registered")

// SendCounts is the slice of the queue store the rate accounting needs:
// the authoritative history of successful sends per account.
type SendCounts interface {
	CountSentVia(accountKey string, window time.Duration) (int, error)
}

// Account is one outbound SMTP identity with its throughput limits and a
// per-run cache of the rolling send counts
type Account struct {
	Name string

	Host     string
	Port     int
	Username string
	Password string

	// SenderAddress, when set, replaces a foreign message sender on the
	// wire; the original author moves to Reply-To.
	SenderAddress string

	LimitPerMinute int
	LimitPerHour   int
	LimitPerDay    int

	sentLastMinute int
	sentLastHour   int
	sentLastDay    int
	refreshed      bool

	fallback *Account
}

// NewAccount creates an account from its configuration
func NewAccount(cfg *config.AccountConfig) *Account {
	return &Account{
		Name:           cfg.Name,
		Host:           cfg.SMTPHost,
		Port:           cfg.SMTPPort,
		Username:       cfg.SMTPUsername,
		Password:       cfg.SMTPPassword,
		SenderAddress:  cfg.SenderAddress,
		LimitPerMinute: cfg.LimitPerMinute,
		LimitPerHour:   cfg.LimitPerHour,
		LimitPerDay:    cfg.LimitPerDay,
	}
}

// Identity returns the stable username@host identity of the account
func (a *Account) Identity() string {
	return fmt.Sprintf("%s@%s", a.Username, a.Host)
}

// Key returns the identity hash used as registry key and as the persisted
// sent_via tag
func (a *Account) Key() string {
	sum := md5.Sum([]byte(a.Identity()))
	return hex.EncodeToString(sum[:])
}

// Fallback returns the next account in the failover chain, or nil
func (a *Account) Fallback() *Account {
	return a.fallback
}

// CanSendAnother reports whether one more send stays below every limit
func (a *Account) CanSendAnother() bool {
	return a.sentLastMinute < a.LimitPerMinute &&
		a.sentLastHour < a.LimitPerHour &&
		a.sentLastDay < a.LimitPerDay
}

// MarkSent bumps the rolling counters after a successful delivery. It must
// only be called once the transport reported success, never speculatively.
func (a *Account) MarkSent() {
	a.sentLastMinute++
	a.sentLastHour++
	a.sentLastDay++
}

// refreshCounters loads the rolling counts from the send history. A failed
// query keeps the previous counters: admission control is a throughput
// optimization, not a reason to abort a run.
func (a *Account) refreshCounters(counts SendCounts, logger *logrus.Logger) {
	key := a.Key()

	minute, err := counts.CountSentVia(key, time.Minute)
	if err != nil {
		logger.WithError(err).WithField("account", a.Name).Warn("Failed to refresh send counters")
		a.refreshed = true
		return
	}
	hour, err := counts.CountSentVia(key, time.Hour)
	if err != nil {
		logger.WithError(err).WithField("account", a.Name).Warn("Failed to refresh send counters")
		a.refreshed = true
		return
	}
	day, err := counts.CountSentVia(key, 24*time.Hour)
	if err != nil {
		logger.WithError(err).WithField("account", a.Name).Warn("Failed to refresh send counters")
		a.refreshed = true
		return
	}

	a.sentLastMinute = minute
	a.sentLastHour = hour
	a.sentLastDay = day
	a.refreshed = true
}

// Registry owns the canonical set of sender accounts, keyed by their
// identity hash. The first registered account is the default.
type Registry struct {
	accounts map[string]*Account
	byName   map[string]*Account
	order    []string

	counts SendCounts
	logger *logrus.Logger
}

// NewRegistry builds a registry from the configured accounts and links
// their failover chains. Chains are validated acyclic by config, but the
// registry enforces a bounded walk regardless.
func NewRegistry(accounts []config.AccountConfig, counts SendCounts, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{
		accounts: make(map[string]*Account),
		byName:   make(map[string]*Account),
		counts:   counts,
		logger:   logger,
	}

	for i := range accounts {
		r.register(NewAccount(&accounts[i]))
	}

	// Link fallbacks by name
	for i := range accounts {
		cfg := &accounts[i]
		if cfg.Fallback == "" {
			continue
		}
		account := r.byName[cfg.Name]
		next, ok := r.byName[cfg.Fallback]
		if !ok {
			return nil, fmt.Errorf("account %s: fallback %s is not registered", cfg.Name, cfg.Fallback)
		}
		account.fallback = next
	}

	if err := r.validateChains(); err != nil {
		return nil, err
	}

	return r, nil
}

// register adds an account under its identity key. Registering the same
// identity again replaces the previous entry, keeping its position.
func (r *Registry) register(a *Account) {
	key := a.Key()
	if _, exists := r.accounts[key]; !exists {
		r.order = append(r.order, key)
	}
	r.accounts[key] = a
	r.byName[a.Name] = a
}

// validateChains rejects failover cycles
func (r *Registry) validateChains() error {
	for _, start := range r.accounts {
		seen := map[string]bool{start.Key(): true}
		for a := start.fallback; a != nil; a = a.fallback {
			if seen[a.Key()] {
				return fmt.Errorf("account %s: failover chain contains a cycle via %s", start.Name, a.Name)
			}
			seen[a.Key()] = true
		}
	}
	return nil
}

// Default returns the first registered account
func (r *Registry) Default() (*Account, error) {
	if len(r.order) == 0 {
		return nil, ErrNoAccounts
	}
	return r.accounts[r.order[0]], nil
}

// Lookup finds an account by identity key
func (r *Registry) Lookup(key string) (*Account, bool) {
	a, ok := r.accounts[key]
	return a, ok
}

// LookupByName finds an account by its configured name
func (r *Registry) LookupByName(name string) (*Account, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// BeginPass invalidates every account's counter cache so the next
// resolution refreshes it from the send history
func (r *Registry) BeginPass() {
	for _, a := range r.accounts {
		a.refreshed = false
	}
}

// ResolveFor picks the sender account for a message: the requested account
// when registered, otherwise the default, following the failover chain past
// saturated accounts. When the whole chain is saturated it returns the last
// account examined so the caller can decide between deferring and trying
// anyway; resolution itself is never a hard gate.
func (r *Registry) ResolveFor(m *types.Message) (*Account, error) {
	start, err := r.startingAccount(m)
	if err != nil {
		return nil, err
	}

	maxChain := len(r.accounts)
	account := start
	for hop := 0; ; hop++ {
		if !account.refreshed {
			account.refreshCounters(r.counts, r.logger)
		}
		if account.CanSendAnother() {
			return account, nil
		}
		if account.fallback == nil || hop >= maxChain {
			r.logger.WithFields(logrus.Fields{
				"account": account.Name,
				"uid":     m.UID,
			}).Debug("Failover chain exhausted, returning last account examined")
			return account, nil
		}
		account = account.fallback
	}
}

// startingAccount honors the caller's account hint when it resolves;
// hints may reference the key or the configured name
func (r *Registry) startingAccount(m *types.Message) (*Account, error) {
	if m.RequestedAccount != "" {
		if a, ok := r.Lookup(m.RequestedAccount); ok {
			return a, nil
		}
		if a, ok := r.LookupByName(m.RequestedAccount); ok {
			return a, nil
		}
		r.logger.WithFields(logrus.Fields{
			"requested": m.RequestedAccount,
			"uid":       m.UID,
		}).Warn("Requested account is not registered, using default")
	}
	return r.Default()
}
