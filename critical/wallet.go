package critical

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/pkg/fault"
)

func currencyKey(currency string) string {
	return prefixCurrency + strings.ToUpper(currency)
}

// SetWalletBalance stores b and adds the wallet to its currency index
func (m *Manager) SetWalletBalance(ctx context.Context, b WalletBalance) error {
	if b.WalletID == "" || b.Currency == "" {
		return fmt.Errorf("%w: wallet balance requires wallet id and currency", fault.ErrInvalidArgument)
	}
	b.Currency = strings.ToUpper(b.Currency)
	b.UpdatedAt = m.cache.Now()

	if err := m.cache.Set(ctx, prefixWallet+b.WalletID, b, m.config.WalletTTL); err != nil {
		return err
	}
	return m.indexWallets(ctx, b.Currency, b.WalletID)
}

// indexWallets adds ids to the currency set and refreshes its TTL
func (m *Manager) indexWallets(ctx context.Context, currency string, ids ...string) error {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	key := m.cache.Key(currencyKey(currency))
	_, err := m.cache.Pipeline(ctx, false, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, members...)
		pipe.PExpire(ctx, key, m.config.CurrencyIndexTTL)
		return nil
	})
	return err
}

// GetWalletBalance returns the cached balance of walletID
func (m *Manager) GetWalletBalance(ctx context.Context, walletID string) (WalletBalance, bool, error) {
	return cache.GetAs[WalletBalance](ctx, m.cache, prefixWallet+walletID)
}

// InvalidateWalletBalance drops the balance and its index membership
func (m *Manager) InvalidateWalletBalance(ctx context.Context, walletID string) (bool, error) {
	b, found, err := m.GetWalletBalance(ctx, walletID)
	if err != nil {
		return false, err
	}
	deleted, err := m.cache.Delete(ctx, prefixWallet+walletID)
	if err != nil {
		return false, err
	}
	if found {
		_, err = m.cache.Command(ctx, "srem",
			[]interface{}{m.cache.Key(currencyKey(b.Currency)), walletID}, false)
	}
	return deleted, err
}

// GetWalletsByCurrency returns every cached balance in currency. Index
// members whose balance has expired are pruned.
func (m *Manager) GetWalletsByCurrency(ctx context.Context, currency string) ([]WalletBalance, error) {
	key := m.cache.Key(currencyKey(currency))
	var members *redis.StringSliceCmd
	if _, err := m.cache.Pipeline(ctx, true, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, key)
		return nil
	}); err != nil {
		return nil, err
	}
	ids := members.Val()
	if len(ids) == 0 {
		return nil, nil
	}

	found := make(map[string]WalletBalance, len(ids))
	if err := m.batchGet(ctx, prefixWallet, ids, func(id string, r cache.BatchResult) error {
		var b WalletBalance
		if err := r.Decode(&b); err != nil {
			return err
		}
		found[id] = b
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]WalletBalance, 0, len(found))
	var stale []interface{}
	for _, id := range ids {
		b, ok := found[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		out = append(out, b)
	}

	if len(stale) > 0 {
		args := append([]interface{}{key}, stale...)
		if _, err := m.cache.Command(ctx, "srem", args, false); err != nil {
			m.logger.Warn("failed to prune currency index", zap.String("currency", currency), zap.Error(err))
		}
	}
	return out, nil
}

// SetWalletBalances stores many balances in one batch and indexes them
func (m *Manager) SetWalletBalances(ctx context.Context, balances []WalletBalance) error {
	now := m.cache.Now()
	ops := make([]cache.BatchOp, 0, len(balances))
	byCurrency := make(map[string][]string)
	for _, b := range balances {
		if b.WalletID == "" || b.Currency == "" {
			return fmt.Errorf("%w: wallet balance requires wallet id and currency", fault.ErrInvalidArgument)
		}
		b.Currency = strings.ToUpper(b.Currency)
		b.UpdatedAt = now
		ops = append(ops, cache.BatchOp{Type: cache.OpSet, Key: prefixWallet + b.WalletID, Value: b, TTL: m.config.WalletTTL})
		byCurrency[b.Currency] = append(byCurrency[b.Currency], b.WalletID)
	}
	if err := m.batchSet(ctx, ops); err != nil {
		return err
	}
	for currency, ids := range byCurrency {
		if err := m.indexWallets(ctx, currency, ids...); err != nil {
			return err
		}
	}
	return nil
}

// GetWalletBalances fetches many balances; missing ids are absent
func (m *Manager) GetWalletBalances(ctx context.Context, walletIDs []string) (map[string]WalletBalance, error) {
	out := make(map[string]WalletBalance, len(walletIDs))
	err := m.batchGet(ctx, prefixWallet, walletIDs, func(id string, r cache.BatchResult) error {
		var b WalletBalance
		if err := r.Decode(&b); err != nil {
			return err
		}
		out[id] = b
		return nil
	})
	return out, err
}

// SetExchangeRate stores a quote under its upper-cased pair key
func (m *Manager) SetExchangeRate(ctx context.Context, r ExchangeRate) error {
	if r.From == "" || r.To == "" || r.Rate <= 0 {
		return fmt.Errorf("%w: exchange rate requires a pair and a positive rate", fault.ErrInvalidArgument)
	}
	r.From = strings.ToUpper(r.From)
	r.To = strings.ToUpper(r.To)
	if r.Timestamp.IsZero() {
		r.Timestamp = m.cache.Now()
	}
	return m.cache.Set(ctx, Pair{From: r.From, To: r.To}.key(), r, m.config.RateTTL)
}

// GetExchangeRate returns the quote for from/to
func (m *Manager) GetExchangeRate(ctx context.Context, from, to string) (ExchangeRate, bool, error) {
	return cache.GetAs[ExchangeRate](ctx, m.cache, Pair{From: from, To: to}.key())
}

// GetExchangeRates fetches several pairs at once; missing pairs are absent
func (m *Manager) GetExchangeRates(ctx context.Context, pairs []Pair) (map[Pair]ExchangeRate, error) {
	ops := make([]cache.BatchOp, len(pairs))
	for i, p := range pairs {
		ops[i] = cache.BatchOp{Type: cache.OpGet, Key: p.key()}
	}
	results, err := m.cache.ExecuteBatch(ctx, ops)
	if err != nil {
		return nil, err
	}

	out := make(map[Pair]ExchangeRate, len(pairs))
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		if !r.Found {
			continue
		}
		var rate ExchangeRate
		if err := r.Decode(&rate); err != nil {
			return nil, err
		}
		out[pairs[i]] = rate
	}
	return out, nil
}
