package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lcfs/compliance-engine/compliance"
)

// Claims are the bearer token claims. Government staff carry no
// organization.
type Claims struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	Roles          []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenService signs and validates HS256 bearer tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
}

func NewTokenService(signingKey, issuer string) *TokenService {
	return &TokenService{signingKey: []byte(signingKey), issuer: issuer}
}

// Issue signs a token for p. Used by the seed data and tests.
func (s *TokenService) Issue(p compliance.Principal, expiresIn time.Duration) (string, error) {
	roles := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = string(r)
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OrganizationID: string(p.OrganizationID),
		Roles:          roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.UserID),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	})
	return t.SignedString(s.signingKey)
}

var errUnauthenticated = errors.New("unauthenticated")

// Validate parses a token into a Principal.
func (s *TokenService) Validate(token string) (compliance.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return compliance.Principal{}, errors.New("token has expired")
		}
		return compliance.Principal{}, errUnauthenticated
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return compliance.Principal{}, errUnauthenticated
	}
	p := compliance.Principal{
		UserID:         compliance.UserID(claims.Subject),
		OrganizationID: compliance.OrganizationID(claims.OrganizationID),
	}
	for _, r := range claims.Roles {
		p.Roles = append(p.Roles, compliance.Role(r))
	}
	return p, nil
}

type principalKey struct{}

// Authenticate rejects requests without a valid bearer token and stores the
// principal in the request context.
func (s *TokenService) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		p, err := s.Validate(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid bearer token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// PrincipalFrom returns the authenticated principal.
func PrincipalFrom(ctx context.Context) compliance.Principal {
	p, _ := ctx.Value(principalKey{}).(compliance.Principal)
	return p
}
