// Package token signs and verifies per-recipient click and unsubscribe tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	KindClick = "click"
	KindUnsub = "unsub"

	DefaultClickTTL = 90 * 24 * time.Hour
	MinUnsubTTL     = 7 * 24 * time.Hour
	MaxUnsubTTL     = 30 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongKind    = errors.New("token kind mismatch")
)

type Claims struct {
	Kind        string `json:"t"`
	TenantID    string `json:"tenantId"`
	CampaignID  string `json:"campaignId"`
	ContactID   string `json:"contactId"`
	OriginalURL string `json:"originalUrl,omitempty"`
	LinkIndex   int    `json:"linkIndex,omitempty"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret   []byte
	clickTTL time.Duration
	unsubTTL time.Duration
	now      func() time.Time
}

// NewSigner clamps the unsubscribe TTL into the 7 to 30 day window.
func NewSigner(secret string, clickTTL, unsubTTL time.Duration) *Signer {
	if clickTTL <= 0 {
		clickTTL = DefaultClickTTL
	}
	switch {
	case unsubTTL < MinUnsubTTL:
		unsubTTL = MinUnsubTTL
	case unsubTTL > MaxUnsubTTL:
		unsubTTL = MaxUnsubTTL
	}
	return &Signer{secret: []byte(secret), clickTTL: clickTTL, unsubTTL: unsubTTL, now: time.Now}
}

func (s *Signer) UnsubTTL() time.Duration { return s.unsubTTL }

// SignClick issues a click token for one link of one recipient.
func (s *Signer) SignClick(tenantID, campaignID, contactID, originalURL string, linkIndex int) (string, error) {
	return s.sign(Claims{
		Kind:        KindClick,
		TenantID:    tenantID,
		CampaignID:  campaignID,
		ContactID:   contactID,
		OriginalURL: originalURL,
		LinkIndex:   linkIndex,
	}, s.clickTTL)
}

func (s *Signer) SignUnsub(tenantID, campaignID, contactID string) (string, error) {
	return s.sign(Claims{
		Kind:       KindUnsub,
		TenantID:   tenantID,
		CampaignID: campaignID,
		ContactID:  contactID,
	}, s.unsubTTL)
}

func (s *Signer) sign(c Claims, ttl time.Duration) (string, error) {
	now := s.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", c.Kind, err)
	}
	return signed, nil
}

// Verify parses raw and checks its signature, expiry and kind. On ErrWrongKind
// the decoded claims are still returned.
func (s *Signer) Verify(raw, kind string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Kind != kind {
		return claims, fmt.Errorf("%w: got %q want %q", ErrWrongKind, claims.Kind, kind)
	}
	return claims, nil
}
