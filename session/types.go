package session

import (
	"encoding/json"
	"strings"
	"time"
)

// UserSession is an API client session
type UserSession struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id,omitempty"`
	IP            string            `json:"ip"`
	UserAgent     string            `json:"user_agent"`
	Fingerprint   string            `json:"fingerprint"`
	Authenticated bool              `json:"authenticated"`
	Permissions   []string          `json:"permissions,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
}

// RateLimitResult is the outcome of one fixed-window check
type RateLimitResult struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetTime time.Time
	// Blocked is set once the window has been exceeded
	Blocked bool
}

// Severity grades a suspicious activity
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// BaseScore returns the risk score contributed by one activity of s
func (s Severity) BaseScore() float64 {
	switch Severity(strings.ToUpper(string(s))) {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	}
	return 0
}

// Activity is one flagged event in an identifier's history
type Activity struct {
	Activity string   `json:"activity"`
	Severity Severity `json:"severity"`
	Score    float64  `json:"score"`
	At       int64    `json:"at"` // unix ms
}

// AntiSpamData is the accumulated risk of an identifier
type AntiSpamData struct {
	Identifier   string
	Requests     int64
	RiskScore    float64
	Blocked      bool
	BlockReason  string
	BlockedAt    time.Time
	LastActivity time.Time
	Activities   []Activity // newest first
}

// tokenRecord is the stored form of an ephemeral token
type tokenRecord struct {
	Purpose   string          `json:"purpose"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at"`
}

// Stats summarises session manager activity since start
type Stats struct {
	ActiveSessions     int
	SessionsCreated    uint64
	SessionsDestroyed  uint64
	RateLimitChecks    uint64
	RateLimited        uint64
	LocksAcquired      uint64
	LocksReleased      uint64
	LockContention     uint64
	ActivitiesTracked  uint64
	IdentifiersBlocked uint64
	TokensIssued       uint64
	TokensConsumed     uint64
	FingerprintsPruned uint64
}

// RateLimitedRatio is the share of checks that were refused
func (s Stats) RateLimitedRatio() float64 {
	if s.RateLimitChecks == 0 {
		return 0
	}
	return float64(s.RateLimited) / float64(s.RateLimitChecks)
}

// Key layout, relative to the connection key prefix. Anti-spam keys carry
// the identifier as a hash tag so the record and its activity list share a
// cluster slot.
const (
	prefixSession     = "user:session:"
	prefixFingerprint = "user:fingerprint:"
	prefixRateLimit   = "ratelimit:"
	prefixToken       = "token:"
)

func antiSpamKeys(identifier string) (record, activities string) {
	record = "antispam:{" + identifier + "}"
	return record, record + ":flags"
}
