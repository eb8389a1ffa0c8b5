// Package wallettest provides throwaway signing keys for tests.
package wallettest

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is a freshly generated secp256k1 key.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewSigner generates a signer or fails the test.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Signer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Sign returns a 0x-prefixed personal-message signature with V in {27,28}.
func (s *Signer) Sign(t testing.TB, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

// Message builds a signed-message body for purpose at ts.
func Message(purpose string, ts time.Time) string {
	return fmt.Sprintf("Sign this message to %s: [%d]", purpose, ts.UnixMilli())
}
