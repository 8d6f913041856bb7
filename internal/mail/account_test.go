package mail

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randylampa/mailqueue/internal/config"
	"github.com/randylampa/mailqueue/pkg/types"
)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeCounts serves canned send counts and records how often it was asked
type fakeCounts struct {
	perKey  map[string]int
	queries int
}

func (f *fakeCounts) CountSentVia(accountKey string, window time.Duration) (int, error) {
	f.queries++
	return f.perKey[accountKey], nil
}

func accountConfig(name, user string, fallback string) config.AccountConfig {
	return config.AccountConfig{
		Name:           name,
		SMTPHost:       "smtp.example.com",
		SMTPPort:       587,
		SMTPUsername:   user,
		SMTPPassword:   "secret",
		LimitPerMinute: 10,
		LimitPerHour:   100,
		LimitPerDay:    1000,
		Fallback:       fallback,
	}
}

func keyFor(user string) string {
	sum := md5.Sum([]byte(user + "@smtp.example.com"))
	return hex.EncodeToString(sum[:])
}

func TestAccountKey(t *testing.T) {
	cfg := accountConfig("primary", "alice", "")
	a := NewAccount(&cfg)

	assert.Equal(t, "alice@smtp.example.com", a.Identity())
	assert.Equal(t, keyFor("alice"), a.Key())
}

func TestCanSendAnotherBoundaries(t *testing.T) {
	cfg := accountConfig("primary", "alice", "")
	cfg.LimitPerMinute = 2
	a := NewAccount(&cfg)

	assert.True(t, a.CanSendAnother())
	a.MarkSent()
	assert.True(t, a.CanSendAnother())
	a.MarkSent()
	assert.False(t, a.CanSendAnother(), "at the limit means one more would exceed it")
}

func TestCanSendAnotherChecksEveryWindow(t *testing.T) {
	cfg := accountConfig("primary", "alice", "")
	cfg.LimitPerMinute = 100
	cfg.LimitPerHour = 1
	a := NewAccount(&cfg)

	a.MarkSent()
	assert.False(t, a.CanSendAnother(), "a saturated hour window blocks even with minute headroom")
}

func TestResolveForFollowsFallbackChain(t *testing.T) {
	counts := &fakeCounts{perKey: map[string]int{keyFor("alice"): 10}}
	registry, err := NewRegistry([]config.AccountConfig{
		accountConfig("primary", "alice", "backup"),
		accountConfig("backup", "bob", ""),
	}, counts, discardLogger())
	require.NoError(t, err)

	registry.BeginPass()
	account, err := registry.ResolveFor(&types.Message{})
	require.NoError(t, err)
	assert.Equal(t, "backup", account.Name)
	assert.True(t, account.CanSendAnother())
}

func TestResolveForDegradesToLastExamined(t *testing.T) {
	counts := &fakeCounts{perKey: map[string]int{
		keyFor("alice"): 10,
		keyFor("bob"):   10,
	}}
	registry, err := NewRegistry([]config.AccountConfig{
		accountConfig("primary", "alice", "backup"),
		accountConfig("backup", "bob", ""),
	}, counts, discardLogger())
	require.NoError(t, err)

	registry.BeginPass()
	account, err := registry.ResolveFor(&types.Message{})
	require.NoError(t, err)

	// Full saturation still resolves; the caller decides what to do with
	// an account that cannot send another
	assert.Equal(t, "backup", account.Name)
	assert.False(t, account.CanSendAnother())
}

func TestResolveForHonorsRequestedAccount(t *testing.T) {
	counts := &fakeCounts{perKey: map[string]int{}}
	registry, err := NewRegistry([]config.AccountConfig{
		accountConfig("primary", "alice", ""),
		accountConfig("backup", "bob", ""),
	}, counts, discardLogger())
	require.NoError(t, err)

	registry.BeginPass()

	byName, err := registry.ResolveFor(&types.Message{RequestedAccount: "backup"})
	require.NoError(t, err)
	assert.Equal(t, "backup", byName.Name)

	byKey, err := registry.ResolveFor(&types.Message{RequestedAccount: keyFor("bob")})
	require.NoError(t, err)
	assert.Equal(t, "backup", byKey.Name)

	unknown, err := registry.ResolveFor(&types.Message{RequestedAccount: "nope"})
	require.NoError(t, err)
	assert.Equal(t, "primary", unknown.Name, "unknown hints fall back to the default account")
}

func TestNewRegistryRejectsFallbackCycle(t *testing.T) {
	counts := &fakeCounts{perKey: map[string]int{}}
	_, err := NewRegistry([]config.AccountConfig{
		accountConfig("primary", "alice", "backup"),
		accountConfig("backup", "bob", "primary"),
	}, counts, discardLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewRegistryRejectsUnknownFallback(t *testing.T) {
	counts := &fakeCounts{perKey: map[string]int{}}
	_, err := NewRegistry([]config.AccountConfig{
		accountConfig("primary", "alice", "ghost"),
	}, counts, discardLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestCountersRefreshOncePerPass(t *testing.T) {
	counts := &fakeCounts{perKey: map[string]int{}}
	registry, err := NewRegistry([]config.AccountConfig{
		accountConfig("primary", "alice", ""),
	}, counts, discardLogger())
	require.NoError(t, err)

	registry.BeginPass()
	_, err = registry.ResolveFor(&types.Message{})
	require.NoError(t, err)
	_, err = registry.ResolveFor(&types.Message{})
	require.NoError(t, err)

	// One refresh covers the minute, hour and day windows
	assert.Equal(t, 3, counts.queries)

	registry.BeginPass()
	_, err = registry.ResolveFor(&types.Message{})
	require.NoError(t, err)
	assert.Equal(t, 6, counts.queries)
}

func TestDefaultOnEmptyRegistry(t *testing.T) {
	registry, err := NewRegistry(nil, &fakeCounts{}, discardLogger())
	require.NoError(t, err)

	_, err = registry.Default()
	assert.ErrorIs(t, err, ErrNoAccounts)

	_, err = registry.ResolveFor(&types.Message{})
	assert.ErrorIs(t, err, ErrNoAccounts)
}
