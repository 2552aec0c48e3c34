package critical

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

// SetAntifraudData stores the risk assessment of an address. A score at or
// above the blacklist threshold also writes a blacklist record in the same
// batch.
func (m *Manager) SetAntifraudData(ctx context.Context, d AntifraudData) error {
	if d.Address == "" {
		return fmt.Errorf("%w: antifraud data requires an address", fault.ErrInvalidArgument)
	}
	if d.RiskScore < 0 || d.RiskScore > 100 {
		return fmt.Errorf("%w: risk score %d outside [0,100]", fault.ErrInvalidArgument, d.RiskScore)
	}
	now := m.cache.Now()
	if d.LastSeen.IsZero() {
		d.LastSeen = now
	}

	ops := []cache.BatchOp{
		{Type: cache.OpSet, Key: prefixAntifraud + d.Address, Value: d, TTL: m.config.AntifraudTTL},
	}
	blacklisted := d.RiskScore >= m.config.BlacklistThreshold
	if blacklisted {
		ops = append(ops, cache.BatchOp{
			Type: cache.OpSet,
			Key:  prefixBlacklist + d.Address,
			Value: BlacklistEntry{
				Address:   d.Address,
				Reason:    "high risk score",
				RiskScore: d.RiskScore,
				AddedAt:   now,
			},
			TTL: m.config.BlacklistTTL,
		})
	}
	if err := m.batchSet(ctx, ops); err != nil {
		return err
	}

	if blacklisted {
		m.logger.Warn("address blacklisted",
			zap.String("address", d.Address),
			zap.Int("risk_score", d.RiskScore),
		)
		m.publish(events.AddressBlacklisted, map[string]interface{}{
			"address":    d.Address,
			"risk_score": d.RiskScore,
		})
	}
	return nil
}

// GetAntifraudData returns the stored assessment of address
func (m *Manager) GetAntifraudData(ctx context.Context, address string) (AntifraudData, bool, error) {
	return cache.GetAs[AntifraudData](ctx, m.cache, prefixAntifraud+address)
}

// IsBlacklisted reports whether address has a blacklist record
func (m *Manager) IsBlacklisted(ctx context.Context, address string) (bool, error) {
	return m.cache.Exists(ctx, prefixBlacklist+address)
}

// GetBlacklistEntry returns the blacklist record of address
func (m *Manager) GetBlacklistEntry(ctx context.Context, address string) (BlacklistEntry, bool, error) {
	return cache.GetAs[BlacklistEntry](ctx, m.cache, prefixBlacklist+address)
}

// RemoveFromBlacklist deletes the blacklist record of address
func (m *Manager) RemoveFromBlacklist(ctx context.Context, address string) (bool, error) {
	return m.cache.Delete(ctx, prefixBlacklist+address)
}

// SetConfirmation stores the confirmation count of a transaction
func (m *Manager) SetConfirmation(ctx context.Context, c Confirmation) error {
	if c.TxID == "" {
		return fmt.Errorf("%w: confirmation requires a transaction id", fault.ErrInvalidArgument)
	}
	if c.Confirmations < 0 || c.Required < 0 {
		return fmt.Errorf("%w: confirmation counts must not be negative", fault.ErrInvalidArgument)
	}
	c.Confirmed = c.Confirmations >= c.Required
	c.UpdatedAt = m.cache.Now()
	return m.cache.Set(ctx, prefixConfirm+c.TxID, c, m.config.ConfirmationTTL)
}

// GetConfirmation returns the stored confirmation state of txID
func (m *Manager) GetConfirmation(ctx context.Context, txID string) (Confirmation, bool, error) {
	return cache.GetAs[Confirmation](ctx, m.cache, prefixConfirm+txID)
}
