package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/sales"
)

const issuer = "ledgerpos"

var ErrInvalidToken = errors.New("invalid or expired token")

type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type principalClaims struct {
	jwtlib.RegisteredClaims
	TenantID    string   `json:"tid"`
	StoreID     string   `json:"sid,omitempty"`
	Permissions []string `json:"perms,omitempty"`
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue signs a token for principal. Tokens are normally minted by the
// identity service sharing the secret; this is used by tooling and tests.
func (m *TokenManager) Issue(principal domain.Principal) (string, time.Time, error) {
	if principal.TenantID == "" || principal.UserID == "" {
		return "", time.Time{}, errors.New("principal needs tenant and user")
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := principalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   principal.UserID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		TenantID:    principal.TenantID,
		StoreID:     principal.StoreID,
		Permissions: principal.Permissions,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (m *TokenManager) Parse(tokenStr string) (domain.Principal, error) {
	claims := &principalClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return domain.Principal{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.TenantID == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing subject or tenant", ErrInvalidToken)
	}
	return domain.Principal{
		TenantID:    claims.TenantID,
		UserID:      sub,
		StoreID:     claims.StoreID,
		Permissions: claims.Permissions,
	}, nil
}

// PermissionChecker grants an operation when the principal carries the
// permission or the "*" wildcard.
type PermissionChecker struct{}

func (PermissionChecker) Authorize(_ context.Context, principal domain.Principal, permission string) error {
	if principal.Has(permission) {
		return nil
	}
	return fmt.Errorf("%w: missing permission %s", sales.ErrForbidden, permission)
}

// PINVerifier checks the manager PIN required for supervisor actions.
type PINVerifier struct {
	hash string
}

// NewPINVerifier hashes pin once at startup. An empty pin disables every
// supervisor action.
func NewPINVerifier(pin string) (*PINVerifier, error) {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return &PINVerifier{}, nil
	}
	if isPasswordHash(pin) {
		return &PINVerifier{hash: pin}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &PINVerifier{hash: string(hash)}, nil
}

func (v *PINVerifier) Enabled() bool {
	return v != nil && v.hash != ""
}

func (v *PINVerifier) Verify(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !v.Enabled() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(input)) == nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
