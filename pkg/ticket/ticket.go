// Package ticket issues and verifies the signed envelopes that authorize a
// single read, write or delete of one physical replica.
package ticket

import (
	"errors"
	"fmt"
	"time"

	"gridxfer/pkg/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultTTL = time.Hour

// Claims is the envelope payload.
type Claims struct {
	Mode      types.AccessMode  `json:"mode"`
	LFN       string            `json:"lfn"`
	ContentID types.ContentID   `json:"cid"`
	Element   types.ElementName `json:"se"`
	Location  string            `json:"pfn"`
	Size      int64             `json:"size"`
	Checksum  string            `json:"checksum,omitempty"`
	Confirmed bool              `json:"confirmed,omitempty"`
	jwt.RegisteredClaims
}

// Grant describes what a new ticket authorizes.
type Grant struct {
	Mode      types.AccessMode
	LFN       string
	ContentID types.ContentID
	Element   types.ElementName
	Location  string
	Size      int64
	Checksum  string
}

// Authority signs and verifies envelopes with a shared HMAC secret held by the
// catalogue and the storage elements.
type Authority struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthority(secret []byte, issuer string, ttl time.Duration) (*Authority, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("ticket secret must be at least 16 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authority{
		key:    append([]byte(nil), secret...),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (a *Authority) TTL() time.Duration { return a.ttl }

// Issue signs a fresh ticket.
func (a *Authority) Issue(g Grant) (*types.AccessTicket, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		Mode:      g.Mode,
		LFN:       g.LFN,
		ContentID: g.ContentID,
		Element:   g.Element,
		Location:  g.Location,
		Size:      g.Size,
		Checksum:  g.Checksum,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    a.issuer,
			Subject:   g.LFN,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	envelope, err := a.sign(claims)
	if err != nil {
		return nil, err
	}
	return types.NewAccessTicket(claims.ID, g.Mode, envelope, expires), nil
}

// Parse verifies the signature and expiry of an envelope.
func (a *Authority) Parse(envelope string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(envelope, claims, func(t *jwt.Token) (interface{}, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewError(types.CodePermissionDenied, "parse ticket", "", fmt.Errorf("ticket expired"))
		}
		return nil, types.NewError(types.CodePermissionDenied, "parse ticket", "", err)
	}
	if claims.ID == "" {
		return nil, types.Errorf(types.CodePermissionDenied, "parse ticket", "ticket has no id")
	}
	return claims, nil
}

// Authorize parses an envelope and checks it grants mode on the given element.
func (a *Authority) Authorize(envelope string, mode types.AccessMode, element types.ElementName) (*Claims, error) {
	claims, err := a.Parse(envelope)
	if err != nil {
		return nil, err
	}
	if claims.Mode != mode {
		return nil, types.Errorf(types.CodePermissionDenied, "authorize", "ticket grants %s, not %s", claims.Mode, mode)
	}
	if element != "" && claims.Element != element {
		return nil, types.Errorf(types.CodePermissionDenied, "authorize", "ticket is for %s, not %s", claims.Element, element)
	}
	return claims, nil
}

// Confirm re-signs a write envelope with what was actually stored. The ticket
// id and expiry are kept so the catalogue can match it to its booking.
func (a *Authority) Confirm(envelope string, size int64, checksum string) (string, error) {
	claims, err := a.Authorize(envelope, types.AccessWrite, "")
	if err != nil {
		return "", err
	}
	claims.Size = size
	claims.Checksum = checksum
	claims.Confirmed = true
	return a.sign(claims)
}

func (a *Authority) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket: %w", err)
	}
	return s, nil
}
