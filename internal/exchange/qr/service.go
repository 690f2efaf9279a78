// Package qr issues and validates short-lived confirmation tokens for mutual
// in-person handoff confirmation. A token is bound to one instance, expires
// after a few minutes regardless of the window, and is superseded whenever a
// new token is issued for the same instance.
package qr

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"handoff/internal/exchange/models"
	dErrors "handoff/pkg/domain-errors"
)

// Claims are the JWT claims of a confirmation token.
type Claims struct {
	InstanceID string `json:"instance_id"`
	jwt.RegisteredClaims
}

// IssuedToken is a freshly minted confirmation token plus its numeric
// fallback code for devices that cannot scan.
type IssuedToken struct {
	Token     string    `json:"token"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service signs and validates confirmation tokens.
type Service struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	nonces     NonceStore
}

// NewService creates a QR confirmation service. ttl bounds replay risk
// independently of the check-in window.
func NewService(signingKey string, ttl time.Duration, nonces NonceStore) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     "handoff",
		ttl:        ttl,
		nonces:     nonces,
	}
}

// Issue mints a token for the instance. Tokens exist only within the check-in
// window; issuing one supersedes any earlier token for the same instance.
func (s *Service) Issue(ctx context.Context, inst *models.Instance, now time.Time) (*IssuedToken, error) {
	if now.Before(inst.WindowStart) {
		return nil, dErrors.New(dErrors.CodeWindowClosed, "check-in window not open yet")
	}
	if now.After(inst.WindowEnd) {
		return nil, dErrors.New(dErrors.CodeWindowClosed, "check-in window has closed")
	}

	expiresAt := now.Add(s.ttl)
	if expiresAt.After(inst.WindowEnd) {
		expiresAt = inst.WindowEnd
	}

	jti := uuid.NewString()
	code, err := GenerateCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not generate fallback code")
	}
	codeHash, err := HashCode(code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not hash fallback code")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		InstanceID: inst.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not sign confirmation token")
	}

	// Issuing at the window edge yields a zero duration, which redis SET
	// would treat as "no expiry". Keep the key expiring.
	nonceTTL := expiresAt.Sub(now)
	if nonceTTL < time.Second {
		nonceTTL = time.Second
	}

	rec := NonceRecord{JTI: jti, CodeHash: codeHash}
	if err := s.nonces.Save(ctx, inst.ID, rec, nonceTTL); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not persist token nonce")
	}

	return &IssuedToken{Token: signed, Code: code, ExpiresAt: expiresAt}, nil
}

// ConfirmToken validates a scanned token against the instance. The caller
// performs the set-once write of qr_confirmed_at; this only proves the token.
func (s *Service) ConfirmToken(ctx context.Context, inst *models.Instance, tokenString string, now time.Time) error {
	if err := s.withinWindow(inst, now); err != nil {
		return err
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeTokenInvalid, "confirmation token has expired")
		}
		return dErrors.New(dErrors.CodeTokenInvalid, "invalid confirmation token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return dErrors.New(dErrors.CodeTokenInvalid, "invalid confirmation token")
	}
	if claims.InstanceID != inst.ID.String() {
		return dErrors.New(dErrors.CodeTokenInvalid, "token is bound to a different exchange")
	}

	rec, err := s.nonces.Get(ctx, inst.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not load token nonce")
	}
	if rec == nil || rec.JTI != claims.ID {
		return dErrors.New(dErrors.CodeTokenInvalid, "confirmation token superseded or expired")
	}
	return nil
}

// ConfirmCode validates the numeric fallback code shown next to the QR.
func (s *Service) ConfirmCode(ctx context.Context, inst *models.Instance, code string, now time.Time) error {
	if err := s.withinWindow(inst, now); err != nil {
		return err
	}
	rec, err := s.nonces.Get(ctx, inst.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not load token nonce")
	}
	if rec == nil {
		return dErrors.New(dErrors.CodeTokenInvalid, "no active confirmation code")
	}
	return VerifyCode(code, rec.CodeHash)
}

func (s *Service) withinWindow(inst *models.Instance, now time.Time) error {
	if now.Before(inst.WindowStart) || now.After(inst.WindowEnd) {
		return dErrors.New(dErrors.CodeWindowClosed, "confirmation is only valid inside the check-in window")
	}
	return nil
}
