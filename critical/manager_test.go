package critical

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/connection"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *cache.Layer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, layer := newManagerOn(t, mr)
	return m, layer, mr
}

// newManagerOn builds a manager with its own first tier over mr
func newManagerOn(t *testing.T, mr *miniredis.Miniredis) (*Manager, *cache.Layer) {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	connConfig := connection.DefaultConfig()
	connConfig.Host = mr.Host()
	connConfig.Port = port
	connConfig.MaxRetries = 0
	connConfig.HealthCheckEnabled = false
	connConfig.AutoFailover = false

	conn, err := connection.New(connConfig)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Shutdown(context.Background()) })

	cacheConfig := cache.DefaultConfig()
	cacheConfig.CleanupInterval = 0
	cacheConfig.AnalyticsInterval = 0
	layer, err := cache.New(conn, cacheConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Shutdown(context.Background()) })

	m, err := New(layer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, layer
}

func testSession(id string) MixingSession {
	return MixingSession{
		ID:             id,
		Currency:       "BTC",
		InputAmount:    1.0,
		OutputAmount:   0.985,
		Fee:            0.015,
		DepositAddress: "bc1q-deposit-" + id,
		OutputAddresses: []OutputAddress{
			{Address: "bc1q-out-a", Percentage: 60, DelayMin: 10},
			{Address: "bc1q-out-b", Percentage: 40, DelayMin: 45},
		},
	}
}

func TestMixingSession_SetAndLookup(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	rec := &recorder{}
	m.Events().Subscribe(rec.handle)

	s := testSession("s1")
	s.Metadata = map[string]string{"IP": "10.0.0.1", "user_agent": "curl", "referral": "abc"}
	require.NoError(t, m.SetMixingSession(ctx, s))

	got, found, err := m.GetMixingSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, map[string]string{"referral": "abc"}, got.Metadata)
	assert.Len(t, got.OutputAddresses, 2)
	assert.False(t, got.CreatedAt.IsZero())

	byDeposit, found, err := m.FindMixingSessionByDeposit(ctx, s.DepositAddress)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s1", byDeposit.ID)

	assert.True(t, mr.Exists("mixer:mixing:session:s1"))
	assert.Equal(t, 24*time.Hour, mr.TTL("mixer:mixing:session:s1"))
	assert.Equal(t, 24*time.Hour, mr.TTL("mixer:mixing:deposit:"+s.DepositAddress))

	assert.Len(t, rec.ofType(events.MixingSessionCache), 1)
}

func TestMixingSession_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	err := m.SetMixingSession(ctx, MixingSession{ID: "x"})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	s := testSession("x")
	s.Status = "bogus"
	assert.ErrorIs(t, m.SetMixingSession(ctx, s), fault.ErrInvalidArgument)

	_, found, err := m.FindMixingSessionByDeposit(ctx, "nowhere")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMixingSession_UpdateStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetMixingSession(ctx, testSession("s1")))

	ok, err := m.UpdateMixingSessionStatus(ctx, "s1", StatusDepositReceived)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := m.GetMixingSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDepositReceived, got.Status)

	ok, err = m.UpdateMixingSessionStatus(ctx, "missing", StatusMixing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.UpdateMixingSessionStatus(ctx, "s1", "bogus")
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
}

func TestMixingSession_UpdateStatusLockBusy(t *testing.T) {
	m, layer, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetMixingSession(ctx, testSession("s1")))

	held, err := layer.TryLock(ctx, prefixSession+"s1", time.Minute, "other-writer")
	require.NoError(t, err)
	require.True(t, held.Acquired)

	_, err = m.UpdateMixingSessionStatus(ctx, "s1", StatusMixing)
	assert.ErrorIs(t, err, fault.ErrLockBusy)

	_, err = layer.Unlock(ctx, held.Key, held.Owner)
	require.NoError(t, err)

	ok, err := m.UpdateMixingSessionStatus(ctx, "s1", StatusMixing)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMixingSession_TerminalStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetMixingSession(ctx, testSession("s1")))
	ok, err := m.UpdateMixingSessionStatus(ctx, "s1", StatusCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.UpdateMixingSessionStatus(ctx, "s1", StatusMixing)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	// repeating the terminal state is a no-op
	ok, err = m.UpdateMixingSessionStatus(ctx, "s1", StatusCompleted)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMixingSession_UpdateStatusAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := newManagerOn(t, mr)
	b, _ := newManagerOn(t, mr)
	ctx := context.Background()

	require.NoError(t, a.SetMixingSession(ctx, testSession("s1")))

	// b now holds s1 as pending in its first tier
	got, found, err := b.GetMixingSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusPending, got.Status)

	ok, err := a.UpdateMixingSessionStatus(ctx, "s1", StatusCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = b.UpdateMixingSessionStatus(ctx, "s1", StatusMixing)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	got, found, err = a.GetMixingSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, got.Status)

	// the locked read refreshed b's first tier
	got, _, err = b.GetMixingSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMixingSession_Delete(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	s := testSession("s1")
	require.NoError(t, m.SetMixingSession(ctx, s))

	deleted, err := m.DeleteMixingSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("mixer:mixing:deposit:"+s.DepositAddress))

	deleted, err = m.DeleteMixingSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMixingSession_Bulk(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetMixingSessions(ctx, []MixingSession{testSession("a"), testSession("b")}))

	got, err := m.GetMixingSessions(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "bc1q-deposit-b", got["b"].DepositAddress)

	byDeposit, found, err := m.FindMixingSessionByDeposit(ctx, "bc1q-deposit-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", byDeposit.ID)
}

func TestWalletBalance_CurrencyIndex(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetWalletBalance(ctx, WalletBalance{WalletID: "w1", Currency: "btc", Total: 2, Available: 1.5, Locked: 0.5, IsActive: true}))
	require.NoError(t, m.SetWalletBalance(ctx, WalletBalance{WalletID: "w2", Currency: "BTC", Total: 1, Available: 1, IsActive: true}))
	require.NoError(t, m.SetWalletBalance(ctx, WalletBalance{WalletID: "w3", Currency: "ETH", Total: 10}))

	assert.Equal(t, 60*time.Second, mr.TTL("mixer:wallet:balance:w1"))
	members, err := mr.Members("mixer:wallet:currency:BTC")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, members)

	wallets, err := m.GetWalletsByCurrency(ctx, "btc")
	require.NoError(t, err)
	ids := make([]string, 0, len(wallets))
	for _, w := range wallets {
		ids = append(ids, w.WalletID)
	}
	assert.ElementsMatch(t, []string{"w1", "w2"}, ids)

	deleted, err := m.InvalidateWalletBalance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, deleted)
	members, err = mr.Members("mixer:wallet:currency:BTC")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, members)
}

func TestWalletBalance_PrunesExpiredMembers(t *testing.T) {
	m, layer, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetWalletBalances(ctx, []WalletBalance{
		{WalletID: "w1", Currency: "BTC", Total: 1},
		{WalletID: "w2", Currency: "BTC", Total: 2},
	}))

	// w1 vanished from the store behind the cache's back
	mr.Del("mixer:wallet:balance:w1")
	layer.Clear()

	wallets, err := m.GetWalletsByCurrency(ctx, "BTC")
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "w2", wallets[0].WalletID)

	members, err := mr.Members("mixer:wallet:currency:BTC")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, members)

	balances, err := m.GetWalletBalances(ctx, []string{"w1", "w2"})
	require.NoError(t, err)
	assert.Len(t, balances, 1)

	empty, err := m.GetWalletsByCurrency(ctx, "XMR")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestExchangeRates(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetExchangeRate(ctx, ExchangeRate{From: "btc", To: "usd", Rate: 65000, Source: "feed"}))
	require.NoError(t, m.SetExchangeRate(ctx, ExchangeRate{From: "ETH", To: "USD", Rate: 3200, Source: "feed"}))
	assert.Equal(t, 5*time.Minute, mr.TTL("mixer:rate:BTC:USD"))

	rate, found, err := m.GetExchangeRate(ctx, "BTC", "usd")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 65000.0, rate.Rate)

	rates, err := m.GetExchangeRates(ctx, []Pair{{"BTC", "USD"}, {"ETH", "USD"}, {"XMR", "USD"}})
	require.NoError(t, err)
	assert.Len(t, rates, 2)
	assert.Equal(t, 3200.0, rates[Pair{"ETH", "USD"}].Rate)

	assert.ErrorIs(t, m.SetExchangeRate(ctx, ExchangeRate{From: "BTC", To: "USD"}), fault.ErrInvalidArgument)
}

func TestAntifraud_Blacklisting(t *testing.T) {
	tests := []struct {
		name        string
		score       int
		blacklisted bool
	}{
		{"low risk", 50, false},
		{"just below threshold", 79, false},
		{"at threshold", 80, true},
		{"high risk", 85, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, mr := newTestManager(t)
			ctx := context.Background()
			rec := &recorder{}
			m.Events().Subscribe(rec.handle)

			require.NoError(t, m.SetAntifraudData(ctx, AntifraudData{Address: "addr", RiskScore: tt.score, Source: "chainalysis"}))

			data, found, err := m.GetAntifraudData(ctx, "addr")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.score, data.RiskScore)
			assert.Equal(t, 7*24*time.Hour, mr.TTL("mixer:antifraud:addr"))

			blacklisted, err := m.IsBlacklisted(ctx, "addr")
			require.NoError(t, err)
			assert.Equal(t, tt.blacklisted, blacklisted)
			assert.Len(t, rec.ofType(events.AddressBlacklisted), map[bool]int{true: 1, false: 0}[tt.blacklisted])

			entry, found, err := m.GetBlacklistEntry(ctx, "addr")
			require.NoError(t, err)
			assert.Equal(t, tt.blacklisted, found)
			if found {
				assert.Equal(t, tt.score, entry.RiskScore)
			}
		})
	}
}

func TestAntifraud_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.SetAntifraudData(ctx, AntifraudData{Address: "a", RiskScore: 101}), fault.ErrInvalidArgument)
	assert.ErrorIs(t, m.SetAntifraudData(ctx, AntifraudData{Address: "a", RiskScore: -1}), fault.ErrInvalidArgument)
	assert.ErrorIs(t, m.SetAntifraudData(ctx, AntifraudData{RiskScore: 10}), fault.ErrInvalidArgument)

	require.NoError(t, m.SetAntifraudData(ctx, AntifraudData{Address: "a", RiskScore: 99}))
	removed, err := m.RemoveFromBlacklist(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	blacklisted, err := m.IsBlacklisted(ctx, "a")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestConfirmations(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetConfirmation(ctx, Confirmation{TxID: "tx1", Currency: "BTC", Confirmations: 2, Required: 3}))
	c, found, err := m.GetConfirmation(ctx, "tx1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, c.Confirmed)

	require.NoError(t, m.SetConfirmation(ctx, Confirmation{TxID: "tx1", Currency: "BTC", Confirmations: 3, Required: 3}))
	c, _, err = m.GetConfirmation(ctx, "tx1")
	require.NoError(t, err)
	assert.True(t, c.Confirmed)
}

func TestTempData(t *testing.T) {
	m, _, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetTempData(ctx, "nonce", "abc", 0))
	assert.Equal(t, 30*time.Minute, mr.TTL("mixer:temp:nonce"))

	var v string
	found, err := m.GetTempData(ctx, "nonce", &v)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "abc", v)

	require.NoError(t, m.SetTempData(ctx, "short", 1, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("mixer:temp:short"))

	deleted, err := m.DeleteTempData(ctx, "nonce")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestConfig_Validate(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	c.WalletTTL = 0
	assert.ErrorIs(t, c.Validate(), fault.ErrInvalidConfig)

	c = DefaultConfig()
	c.BlacklistThreshold = 101
	assert.ErrorIs(t, c.Validate(), fault.ErrInvalidConfig)

	_, err := New(nil, c)
	assert.ErrorIs(t, err, fault.ErrInvalidConfig)
}
