package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestJWT_GenerateAndValidate(t *testing.T) {
	j := NewJWT("my-secret-key")

	token, err := j.Generate("tenant-a", "operator@example.com")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if token == "" {
		t.Fatal("Generate() returned empty token")
	}

	claims, err := j.Validate(token)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if claims.TenantID != "tenant-a" {
		t.Errorf("Validate() got TenantID %q, want tenant-a", claims.TenantID)
	}
	if claims.Subject != "operator@example.com" {
		t.Errorf("Validate() got Subject %q", claims.Subject)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".invalid-signature"
	if _, err := j.Validate(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() tampered signature error = %v, want ErrInvalidToken", err)
	}

	if _, err := j.Validate("invalid.token"); err == nil {
		t.Error("Validate() accepted invalid format")
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	token, _ := NewJWT("secret-one").Generate("tenant-a", "")

	if _, err := NewJWT("secret-two").Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWT_ExpiredToken(t *testing.T) {
	j := NewJWT("my-secret-key")
	j.now = func() time.Time { return time.Now().Add(-25 * time.Hour) }

	token, err := j.Generate("tenant-a", "")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}

	j.now = time.Now
	if _, err := j.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() error = %v, want ErrTokenExpired", err)
	}
}

func TestJWT_MissingTenant(t *testing.T) {
	j := NewJWT("my-secret-key")

	if _, err := j.Generate("", "someone"); !errors.Is(err, ErrMissingTenant) {
		t.Errorf("Generate() error = %v, want ErrMissingTenant", err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("my-secret-key"))
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}
	if _, err := j.Validate(signed); !errors.Is(err, ErrMissingTenant) {
		t.Errorf("Validate() error = %v, want ErrMissingTenant", err)
	}
}

func TestJWT_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{TenantID: "tenant-a"}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}

	if _, err := NewJWT("my-secret-key").Validate(unsigned); err == nil {
		t.Error("Validate() accepted alg=none token")
	}
}
