// Package livekit issues LiveKit room join tokens.
package livekit

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// DefaultTokenTTL is how long an issued join token stays valid.
const DefaultTokenTTL = 6 * time.Hour

// ErrNotConfigured is returned when no API key or secret is available.
var ErrNotConfigured = errors.New("livekit credentials are not configured")

// Credentials identify a LiveKit project.
type Credentials struct {
	URL       string
	APIKey    string
	APISecret string
}

// IsConfigured reports whether tokens can be signed.
func (c Credentials) IsConfigured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// VideoGrant is the room permission set carried in the token.
type VideoGrant struct {
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Claims is the LiveKit access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// JoinToken is a signed credential for one participant in one room.
type JoinToken struct {
	Token     string    `json:"token"`
	ServerURL string    `json:"serverUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenIssuer signs join tokens with HS256.
type TokenIssuer struct {
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer creates an issuer. A non-positive ttl uses DefaultTokenTTL.
func NewTokenIssuer(ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{ttl: ttl, now: time.Now}
}

// Issue signs a token that lets identity join room with publish, subscribe and data rights.
func (i *TokenIssuer) Issue(creds Credentials, room, identity, name string) (*JoinToken, error) {
	if !creds.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if room == "" || identity == "" {
		return nil, errors.New("room and identity are required")
	}

	allow := true
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    creds.APIKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: name,
		Video: &VideoGrant{
			RoomJoin:       true,
			Room:           room,
			CanPublish:     &allow,
			CanSubscribe:   &allow,
			CanPublishData: &allow,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.APISecret))
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign join token")
	}
	return &JoinToken{Token: token, ServerURL: creds.URL, ExpiresAt: expiresAt}, nil
}

// ParseToken verifies a join token against secret and returns its claims.
func ParseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(err, "invalid join token")
	}
	return claims, nil
}

// SettingGetter reads runtime settings.
type SettingGetter interface {
	GetSetting(ctx context.Context, name string) (string, error)
}

// Setting names that override the configured credentials.
const (
	SettingURL       = "livekit_url"
	SettingAPIKey    = "livekit_api_key"
	SettingAPISecret = "livekit_api_secret"
)

// Resolver returns credentials from settings, falling back to static values per field.
type Resolver struct {
	fallback Credentials
	settings SettingGetter
}

// NewResolver creates a resolver. settings may be nil.
func NewResolver(fallback Credentials, settings SettingGetter) *Resolver {
	return &Resolver{fallback: fallback, settings: settings}
}

// Resolve returns the effective credentials.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	creds := r.fallback
	if r.settings == nil {
		return creds, nil
	}
	for name, field := range map[string]*string{
		SettingURL:       &creds.URL,
		SettingAPIKey:    &creds.APIKey,
		SettingAPISecret: &creds.APISecret,
	} {
		value, err := r.settings.GetSetting(ctx, name)
		if err != nil {
			return r.fallback, errors.Wrapf(err, "failed to read setting %s", name)
		}
		if value != "" {
			*field = value
		}
	}
	return creds, nil
}
