package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "super-secret"
	testScopeID       = "0190b6a4-6c1e-7a3f-9f7b-5d2c1e0f4a11"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesScopeTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueScopeToken(testScopeID)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.Parser{}
	if _, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningSecret), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != testScopeID {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestTokenIssuerRejectsEmptyScope(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.IssueScopeToken(" "); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("expected ErrMissingScope, got %v", err)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, _, err := issuer.IssueScopeToken(testScopeID)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	scopeID, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if scopeID != testScopeID {
		t.Fatalf("unexpected scope %s", scopeID)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignSecret(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := other.IssueScopeToken(testScopeID)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })
	tokenString, _, err := issuer.IssueScopeToken(testScopeID)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateRequestReadsBearerAndCookie(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueScopeToken(testScopeID)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/cart", nil)
	bearer.Header.Set("Authorization", "Bearer "+tokenString)
	if scopeID, err := issuer.ValidateRequest(bearer); err != nil || scopeID != testScopeID {
		t.Fatalf("bearer validation failed: %q %v", scopeID, err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/cart", nil)
	cookie.AddCookie(&http.Cookie{Name: ScopeCookieName, Value: tokenString})
	if scopeID, err := issuer.ValidateRequest(cookie); err != nil || scopeID != testScopeID {
		t.Fatalf("cookie validation failed: %q %v", scopeID, err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/cart", nil)
	if _, err := issuer.ValidateRequest(missing); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/cart", nil)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := issuer.ValidateRequest(basic); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for non-bearer header, got %v", err)
	}
}
