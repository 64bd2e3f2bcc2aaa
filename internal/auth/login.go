package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// LoginWindow bounds how far a signed issued-at may drift from the server clock.
const LoginWindow = 5 * time.Minute

// LoginMessage is the text an address signs with personal_sign to obtain a token.
func LoginMessage(addr common.Address, issuedAt time.Time) string {
	return fmt.Sprintf("x402 facilitator sign-in\nAddress: %s\nIssued At: %s",
		addr.Hex(), issuedAt.UTC().Format(time.RFC3339))
}

// VerifyLogin checks that sig is addr's EIP-191 signature over LoginMessage and
// that issuedAt lies within LoginWindow of now.
func VerifyLogin(addr common.Address, issuedAt time.Time, sig []byte, now time.Time) error {
	if d := now.Sub(issuedAt); d > LoginWindow || d < -LoginWindow {
		return ErrStaleLogin
	}
	if len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	// wallets produce v in {27, 28}
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(LoginMessage(addr, issuedAt))), s)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return ErrInvalidSignature
	}
	return nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return b, nil
}
