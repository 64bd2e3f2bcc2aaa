package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokensIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	addr := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	tok, exp, err := tokens.Issue(addr)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}
	claims, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Address() != addr || claims.Subject != addr.Hex() {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != issuer || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokensRejects(t *testing.T) {
	tokens, _ := NewTokens(testSecret, time.Minute)
	addr := common.HexToAddress("0xA1")

	good, _, _ := tokens.Issue(addr)
	other, _ := NewTokens([]byte("another-secret"), time.Minute)
	foreign, _, _ := other.Issue(addr)

	past := time.Now().Add(-time.Hour)
	expiredIssuer, _ := NewTokens(testSecret, time.Minute)
	expired, _, _ := expiredIssuer.WithClock(func() time.Time { return past }).Issue(addr)

	wrongIss, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   addr.Hex(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		ID:        "x",
	}}).SignedString(testSecret)

	notAddr, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-42",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		ID:        "x",
	}}).SignedString(testSecret)

	cases := map[string]string{
		"empty":       "",
		"garbage":     "not-a-token",
		"tampered":    good + "x",
		"foreign key": foreign,
		"expired":     expired,
		"issuer":      wrongIss,
		"subject":     notAddr,
	}
	for name, tok := range cases {
		if _, err := tokens.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens(nil, time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewTokens(testSecret, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func signLogin(t *testing.T, issuedAt time.Time) (common.Address, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(accounts.TextHash([]byte(LoginMessage(addr, issuedAt))), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return addr, sig
}

func TestVerifyLogin(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	addr, sig := signLogin(t, now)

	if err := VerifyLogin(addr, now, sig, now.Add(time.Minute)); err != nil {
		t.Fatalf("VerifyLogin: %v", err)
	}
	decoded, err := DecodeSignature(hexutil.Encode(sig))
	if err != nil || VerifyLogin(addr, now, decoded, now) != nil {
		t.Fatalf("hex round trip failed: %v", err)
	}
	if err := VerifyLogin(addr, now, sig, now.Add(LoginWindow+time.Second)); !errors.Is(err, ErrStaleLogin) {
		t.Fatalf("expected ErrStaleLogin, got %v", err)
	}
	if err := VerifyLogin(common.HexToAddress("0xA1"), now, sig, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong address, got %v", err)
	}
	if err := VerifyLogin(addr, now.Add(time.Second), sig, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for altered message, got %v", err)
	}
	if err := VerifyLogin(addr, now, sig[:10], now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short sig, got %v", err)
	}
}

func TestCallerContext(t *testing.T) {
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a caller")
	}
	addr := common.HexToAddress("0xA1")
	got, ok := CallerFromContext(ContextWithCaller(context.Background(), addr))
	if !ok || got != addr {
		t.Fatalf("caller = %s, %v", got.Hex(), ok)
	}
	ctx := ContextWithToken(context.Background(), "tok")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("token = %q, %v", tok, ok)
	}
}

func TestExtractBearer(t *testing.T) {
	if tok, err := ExtractBearer("bearer abc "); err != nil || tok != "abc" {
		t.Fatalf("ExtractBearer = %q, %v", tok, err)
	}
	if _, err := ExtractBearer(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := ExtractBearer("Bearer "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for empty token, got %v", err)
	}
	if _, err := ExtractBearer("Basic Zm9v"); err == nil || errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected scheme error, got %v", err)
	}
}
