// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (the "TURN REST API" scheme, use-auth-secret in turnserver.conf):
//
//	username   = <unix_expiry>:<prefix>:<session>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is taken from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoSecret      = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: TTL must be > 0")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidLabel  = errors.New("turnrest: session label must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewLabel are overridable for tests.
	Now      func() time.Time
	NewLabel func() string
}

type Generator struct {
	secret   []byte
	ttl      int64
	prefix   string
	now      func() time.Time
	newLabel func() string
}

// Credentials are handed to the browser inside an RTCIceServer entry.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewLabel == nil {
		cfg.NewLabel = uuid.NewString
	}
	return &Generator{
		secret:   []byte(cfg.SharedSecret),
		ttl:      ttl,
		prefix:   cfg.UsernamePrefix,
		now:      cfg.Now,
		newLabel: cfg.NewLabel,
	}, nil
}

// Generate mints credentials whose username carries label, typically the
// participant or request the credentials were issued for.
func (g *Generator) Generate(label string) (Credentials, error) {
	if label == "" || strings.Contains(label, ":") {
		return Credentials{}, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, label)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

// GenerateRandom is Generate with a fresh random label.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newLabel())
}

// Verify recomputes the credential for username. It does not check expiry.
func (g *Generator) Verify(username, credential string) bool {
	want := sign(g.secret, username)
	return hmac.Equal([]byte(want), []byte(credential))
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
