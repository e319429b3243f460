// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest). The relay includes these in the Self
// handshake document so endpoints can reach TURN without a long-lived shared
// password ever leaving the server.
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<endpoint_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Minter struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	urls           []string
	now            func() time.Time
}

type MinterConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// URLs is the TURN URL list handed out alongside the credentials.
	URLs []string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		urls:           cfg.URLs,
		now:            cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Password   string
	TTLSeconds int64
	URLs       []string
}

// Mint issues credentials scoped to one endpoint. The endpoint id lands in
// the TURN username, which makes coturn logs attributable per endpoint.
func (m *Minter) Mint(endpointID string) (Credentials, error) {
	if endpointID == "" {
		return Credentials{}, errors.New("endpointID is required")
	}
	if strings.Contains(endpointID, ":") {
		return Credentials{}, errors.New("endpointID must not contain ':'")
	}
	ttlSeconds := int64(m.ttl / time.Second)
	expiry := m.now().UTC().Unix() + ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, m.usernamePrefix, endpointID)

	mac := hmac.New(sha1.New, m.sharedSecret)
	_, _ = mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		Username:   username,
		Password:   password,
		TTLSeconds: ttlSeconds,
		URLs:       m.urls,
	}, nil
}
