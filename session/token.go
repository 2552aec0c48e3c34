package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/pkg/fault"
)

// consumeScript reads and deletes a token in one step so it can be used
// only once
var consumeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("DEL", KEYS[1])
end
return v
`)

func tokenKey(purpose, id string) string {
	return prefixToken + purpose + ":" + id
}

// CreateToken issues an opaque single-use token bound to purpose and
// carrying data. A zero ttl uses TokenTTL. With a signing key configured
// the returned token is an HS256 JWT wrapping the stored id.
func (m *Manager) CreateToken(ctx context.Context, purpose string, data interface{}, ttl time.Duration) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if purpose == "" {
		return "", fmt.Errorf("%w: token purpose is required", fault.ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = m.config.TokenTTL
	}
	if ttl < time.Millisecond {
		return "", fmt.Errorf("%w: token ttl must be at least 1ms", fault.ErrInvalidArgument)
	}

	id, err := randomID()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", &fault.SerializationError{Key: tokenKey(purpose, id), Op: "encode", Err: err}
	}

	now := m.cache.Now()
	record, err := json.Marshal(tokenRecord{
		Purpose:   purpose,
		Data:      payload,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", &fault.SerializationError{Key: tokenKey(purpose, id), Op: "encode", Err: err}
	}

	if _, err := m.cache.Command(ctx, "set",
		[]interface{}{m.cache.Key(tokenKey(purpose, id)), string(record), "px", ttl.Milliseconds()}, false); err != nil {
		return "", err
	}
	m.tokensIssued.Add(1)

	if m.config.SigningKey == "" {
		return id, nil
	}
	claims := jwt.RegisteredClaims{
		ID:        id,
		Subject:   purpose,
		Issuer:    m.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.SigningKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// tokenID maps a presented token to its stored id. Signed tokens must
// verify and name purpose as their subject.
func (m *Manager) tokenID(token, purpose string) (string, bool) {
	if m.config.SigningKey == "" {
		return token, token != ""
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(m.config.SigningKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(purpose),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.cache.Now),
	)
	if err != nil || !parsed.Valid {
		m.logger.Debug("rejected token", zap.String("purpose", purpose), zap.Error(err))
		return "", false
	}
	return claims.ID, claims.ID != ""
}

// decodeToken unpacks a stored record into dst when it matches purpose and
// has not expired
func (m *Manager) decodeToken(raw interface{}, purpose, key string, dst interface{}) (bool, error) {
	s, ok := raw.(string)
	if !ok {
		return false, nil
	}
	var rec tokenRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return false, &fault.SerializationError{Key: key, Op: "decode", Err: err}
	}
	if rec.Purpose != purpose || m.cache.Now().UnixMilli() >= rec.ExpiresAt {
		return false, nil
	}
	if dst != nil {
		if err := json.Unmarshal(rec.Data, dst); err != nil {
			return false, &fault.SerializationError{Key: key, Op: "decode", Err: err}
		}
	}
	return true, nil
}

// ValidateToken reports whether token is live for purpose and decodes its
// data into dst (which may be nil) without consuming it
func (m *Manager) ValidateToken(ctx context.Context, token, purpose string, dst interface{}) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	id, ok := m.tokenID(token, purpose)
	if !ok {
		return false, nil
	}
	key := tokenKey(purpose, id)
	res, err := m.cache.Command(ctx, "get", []interface{}{m.cache.Key(key)}, false)
	if err != nil {
		return false, err
	}
	return m.decodeToken(res, purpose, key, dst)
}

// ConsumeToken validates token for purpose, decodes its data into dst and
// deletes it atomically. A second call for the same token reports false.
func (m *Manager) ConsumeToken(ctx context.Context, token, purpose string, dst interface{}) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	id, ok := m.tokenID(token, purpose)
	if !ok {
		return false, nil
	}
	key := tokenKey(purpose, id)
	res, err := m.cache.Eval(ctx, consumeScript, []string{key})
	if err != nil {
		return false, err
	}
	found, err := m.decodeToken(res, purpose, key, dst)
	if found {
		m.tokensConsumed.Add(1)
	}
	return found, err
}
