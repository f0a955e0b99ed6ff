// Package auth issues and verifies the short-lived tokens that authenticate
// switch commands on the controller side.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kilianp07/switchyard/core/model"
)

// ErrNoSecret is returned when neither the controller nor the configuration
// provide a signing secret.
var ErrNoSecret = errors.New("no signing secret")

// CommandClaims are the claims carried by a device token.
type CommandClaims struct {
	jwt.RegisteredClaims
	Address  string `json:"addr"`
	SwitchID string `json:"sw"`
}

// DeviceTokens signs HS256 command tokens with the controller secret.
type DeviceTokens struct {
	shared []byte
	issuer string
	clock  clockwork.Clock
}

// NewDeviceTokens creates a signer. clock may be nil.
func NewDeviceTokens(conf Conf, clock clockwork.Clock) *DeviceTokens {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	issuer := conf.Issuer
	if issuer == "" {
		issuer = "switchyard"
	}
	return &DeviceTokens{shared: []byte(conf.SharedSecret), issuer: issuer, clock: clock}
}

func (d *DeviceTokens) secret(c model.Controller) ([]byte, error) {
	if c.Secret != "" {
		return []byte(c.Secret), nil
	}
	if len(d.shared) > 0 {
		return d.shared, nil
	}
	return nil, fmt.Errorf("%w for controller %s", ErrNoSecret, c.ID)
}

// Sign returns a token for one command on switchID, valid for ttl.
func (d *DeviceTokens) Sign(c model.Controller, switchID string, ttl time.Duration) (string, error) {
	key, err := d.secret(c)
	if err != nil {
		return "", err
	}
	now := d.clock.Now()
	claims := &CommandClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   c.Address,
			Issuer:    d.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Address:  c.Address,
		SwitchID: switchID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Verify validates a token the way a controller does and returns its claims.
func (d *DeviceTokens) Verify(c model.Controller, token string) (*CommandClaims, error) {
	key, err := d.secret(c)
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &CommandClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithTimeFunc(d.clock.Now), jwt.WithIssuer(d.issuer), jwt.WithSubject(c.Address))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*CommandClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
