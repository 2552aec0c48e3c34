package critical

import (
	"strings"
	"time"
)

// MixingStatus is the lifecycle state of a mixing session
type MixingStatus string

const (
	StatusPending         MixingStatus = "pending"
	StatusDepositReceived MixingStatus = "deposit_received"
	StatusMixing          MixingStatus = "mixing"
	StatusCompleted       MixingStatus = "completed"
	StatusFailed          MixingStatus = "failed"
	StatusExpired         MixingStatus = "expired"
	StatusCancelled       MixingStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s MixingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDepositReceived, StatusMixing,
		StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s
func (s MixingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// OutputAddress is one destination of a mixing session
type OutputAddress struct {
	Address    string  `json:"address"`
	Percentage float64 `json:"percentage"`
	DelayMin   int     `json:"delay_minutes"`
}

// MixingSession is the cached state of one mixing request
type MixingSession struct {
	ID              string            `json:"id"`
	Currency        string            `json:"currency"`
	InputAmount     float64           `json:"input_amount"`
	OutputAmount    float64           `json:"output_amount"`
	Fee             float64           `json:"fee"`
	DepositAddress  string            `json:"deposit_address"`
	OutputAddresses []OutputAddress   `json:"output_addresses"`
	Status          MixingStatus      `json:"status"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// WalletBalance is the cached balance of one wallet
type WalletBalance struct {
	WalletID  string    `json:"wallet_id"`
	Currency  string    `json:"currency"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
	IsActive  bool      `json:"is_active"`
	IsLocked  bool      `json:"is_locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pair is an ordered currency pair
type Pair struct {
	From string
	To   string
}

func (p Pair) key() string {
	return prefixRate + strings.ToUpper(p.From) + ":" + strings.ToUpper(p.To)
}

// ExchangeRate is a cached quote for a currency pair
type ExchangeRate struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Rate       float64   `json:"rate"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
}

// AntifraudData is the risk assessment of an address
type AntifraudData struct {
	Address   string    `json:"address"`
	RiskScore int       `json:"risk_score"` // 0-100
	Flags     []string  `json:"flags,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Source    string    `json:"source"`
}

// BlacklistEntry marks an address as refused
type BlacklistEntry struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	RiskScore int       `json:"risk_score"`
	AddedAt   time.Time `json:"added_at"`
}

// Confirmation tracks blockchain confirmations of a transaction
type Confirmation struct {
	TxID          string    `json:"tx_id"`
	Currency      string    `json:"currency"`
	Confirmations int       `json:"confirmations"`
	Required      int       `json:"required"`
	BlockHeight   int64     `json:"block_height"`
	Confirmed     bool      `json:"confirmed"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key prefixes, relative to the connection key prefix
const (
	prefixSession   = "mixing:session:"
	prefixDeposit   = "mixing:deposit:"
	prefixWallet    = "wallet:balance:"
	prefixCurrency  = "wallet:currency:"
	prefixRate      = "rate:"
	prefixAntifraud = "antifraud:"
	prefixBlacklist = "blacklist:"
	prefixConfirm   = "confirm:"
	prefixTemp      = "temp:"
)

// scrubbedMetadata lists client metadata keys that identify a person
var scrubbedMetadata = map[string]struct{}{
	"ip":              {},
	"ip_address":      {},
	"ipaddress":       {},
	"remote_addr":     {},
	"x-forwarded-for": {},
	"x-real-ip":       {},
	"user_agent":      {},
	"useragent":       {},
	"user-agent":      {},
	"email":           {},
	"phone":           {},
	"name":            {},
	"fingerprint":     {},
	"device_id":       {},
}

// scrubMetadata returns a copy of md without identifying keys
func scrubMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if _, drop := scrubbedMetadata[strings.ToLower(k)]; drop {
			continue
		}
		out[k] = v
	}
	return out
}
