// Package wallet verifies personal-message signatures produced by external wallets.
package wallet

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the byte length of an [R || S || V] signature.
const SignatureLength = crypto.SignatureLength

// Reason classifies why a verification failed.
type Reason string

const (
	ReasonEmptyInput         Reason = "empty_input"
	ReasonMalformedAddress   Reason = "malformed_address"
	ReasonChecksumMismatch   Reason = "checksum_mismatch"
	ReasonMalformedSignature Reason = "malformed_signature"
	ReasonRecoveryFailed     Reason = "recovery_failed"
	ReasonSignerMismatch     Reason = "signer_mismatch"
)

// VerifyError is returned for every rejected verification.
type VerifyError struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wallet: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wallet: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *VerifyError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the Reason from err, or "" if err is not a VerifyError.
func ReasonOf(err error) Reason {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// IsAddressReason reports whether r concerns the claimed address rather than the signature.
func IsAddressReason(r Reason) bool {
	return r == ReasonMalformedAddress || r == ReasonChecksumMismatch
}

func fail(r Reason, err error) error {
	return &VerifyError{Reason: r, Err: err}
}

// Verifier recovers the signer of a personal message and compares it to a claimed address.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	strictChecksum bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithStrictChecksum requires claimed addresses to be in EIP-55 mixed-case form.
func WithStrictChecksum(strict bool) Option {
	return func(v *Verifier) {
		v.strictChecksum = strict
	}
}

// NewVerifier creates a new signature verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks that signature was produced over message by claimedAddress.
// On success it returns the canonical checksummed signer address.
func (v *Verifier) Verify(message, signature, claimedAddress string) (common.Address, error) {
	message = strings.TrimSpace(message)
	signature = strings.TrimSpace(signature)
	claimedAddress = strings.TrimSpace(claimedAddress)

	if message == "" || signature == "" {
		return common.Address{}, fail(ReasonEmptyInput, errors.New("message and signature are required"))
	}

	claimed, err := v.ParseAddress(claimedAddress)
	if err != nil {
		return common.Address{}, err
	}

	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return common.Address{}, err
	}

	if !addressesEqual(recovered, claimed) {
		return common.Address{}, fail(ReasonSignerMismatch, nil)
	}
	return claimed, nil
}

// ParseAddress validates a 0x-prefixed 20-byte hex address. In strict mode the
// input must equal its EIP-55 rendering exactly.
func (v *Verifier) ParseAddress(s string) (common.Address, error) {
	if !IsHexAddress(s) {
		return common.Address{}, fail(ReasonMalformedAddress, fmt.Errorf("%q is not a 0x-prefixed 20-byte hex address", s))
	}
	addr := common.HexToAddress(s)
	if v.strictChecksum && addr.Hex() != s {
		return common.Address{}, fail(ReasonChecksumMismatch, fmt.Errorf("expected %s", addr.Hex()))
	}
	return addr, nil
}

// IsHexAddress reports whether s is 0x followed by exactly 40 hex digits.
func IsHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		return false
	}
	return common.IsHexAddress(s)
}

// Checksum returns the EIP-55 form of a structurally valid address.
func Checksum(s string) (string, error) {
	if !IsHexAddress(s) {
		return "", fail(ReasonMalformedAddress, fmt.Errorf("%q is not a 0x-prefixed 20-byte hex address", s))
	}
	return common.HexToAddress(s).Hex(), nil
}

// RecoverAddress recovers the signer of an EIP-191 personal message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fail(ReasonRecoveryFailed, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// decodeSignature parses a 0x-prefixed 65-byte signature and normalizes V to {0,1}.
func decodeSignature(signature string) ([]byte, error) {
	if len(signature) != 2+2*SignatureLength {
		return nil, fail(ReasonMalformedSignature, fmt.Errorf("expected %d hex characters", 2*SignatureLength))
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fail(ReasonMalformedSignature, err)
	}

	// Wallets emit V as 27/28; recovery expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return nil, fail(ReasonMalformedSignature, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset]))
	}
	return sig, nil
}

// addressesEqual compares the lowercase hex renderings in constant time.
func addressesEqual(a, b common.Address) bool {
	x := []byte(strings.ToLower(a.Hex()))
	y := []byte(strings.ToLower(b.Hex()))
	return subtle.ConstantTimeCompare(x, y) == 1
}
