package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-at-least-32-chars!"

func TestGenerateToken_RoundTrip(t *testing.T) {
	token, err := GenerateToken(testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != SubjectOperator {
		t.Errorf("Subject = %q, want %q", claims.Subject, SubjectOperator)
	}
	if claims.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if claims.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set")
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 14*time.Minute || ttl > 16*time.Minute {
		t.Errorf("token TTL = %v, want about 15 minutes", ttl)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := GenerateToken(testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if _, err := ParseToken(token, "another-secret-that-is-long-enough!"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() with wrong secret = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_Expired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   SubjectOperator,
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	if _, err := ParseToken(signed, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() of expired token = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_RejectsUnsignedAlgorithm(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   SubjectOperator,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	if _, err := ParseToken(signed, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() of alg=none token = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_WrongSubject(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "intruder",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	if _, err := ParseToken(signed, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() with wrong subject = %v, want ErrTokenInvalid", err)
	}
}
