package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, secret, userID string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	svc := NewJWTService(testSecret)

	userID, err := svc.VerifyToken(signToken(t, testSecret, "usr_1", 15*time.Minute))
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if userID != "usr_1" {
		t.Fatalf("expected usr_1, got %s", userID)
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	svc := NewJWTService(testSecret)

	token := signToken(t, "ffffffffffffffffffffffffffffffff", "usr_1", 15*time.Minute)
	if _, err := svc.VerifyToken(token); err == nil {
		t.Fatal("expected verification to fail with a different secret")
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	svc := NewJWTService(testSecret)

	if _, err := svc.VerifyToken(signToken(t, testSecret, "usr_1", -time.Minute)); err == nil {
		t.Fatal("expected verification to fail for expired token")
	}
}

func TestVerifyTokenRejectsUnsignedAlg(t *testing.T) {
	svc := NewJWTService(testSecret)

	claims := Claims{
		UserID: "usr_1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none-alg token: %v", err)
	}

	if _, err := svc.VerifyToken(token); err == nil {
		t.Fatal("expected verification to fail for none-alg token")
	}
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	if _, err := NewJWTService(testSecret).VerifyToken("not-a-token"); err == nil {
		t.Fatal("expected verification to fail for malformed token")
	}
}
