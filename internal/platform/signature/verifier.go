// Package signature verifies that a wallet-signed consent message was produced
// by the key controlling the claimed wallet address.
//
// Signatures follow the Ethereum personal_sign convention (EIP-191 prefix,
// keccak256, secp256k1 with a recovery id), which is what browser wallets
// produce. Verification is pure and safe for concurrent use.
package signature

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SchemeEIP191 identifies personal_sign signatures. A bare 0x-prefixed
// signature implies this scheme.
const SchemeEIP191 = "eip191"

const sigLength = 65

var (
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
	ErrInvalidEncoding   = errors.New("invalid signature encoding")
	ErrInvalidLength     = errors.New("invalid signature length")
	ErrInvalidRecoveryID = errors.New("invalid signature recovery id")
	ErrInvalidAddress    = errors.New("invalid wallet address")
	ErrAddressMismatch   = errors.New("recovered address does not match wallet address")
)

// Verifier checks a signature over message against walletAddress.
type Verifier interface {
	Verify(walletAddress, message, signature string) bool
}

// EIP191Verifier is the production Verifier.
type EIP191Verifier struct{}

// NewVerifier returns the personal_sign verifier.
func NewVerifier() *EIP191Verifier { return &EIP191Verifier{} }

// Verify reports whether signature over message recovers to walletAddress.
// It returns false for every malformed input instead of failing loudly.
func (EIP191Verifier) Verify(walletAddress, message, signature string) bool {
	return Check(walletAddress, message, signature) == nil
}

// Check is Verify with the failure reason attached.
func Check(walletAddress, message, signature string) error {
	if !IsAddress(walletAddress) {
		return ErrInvalidAddress
	}
	recovered, err := Recover(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered.Hex(), strings.TrimSpace(walletAddress)) {
		return ErrAddressMismatch
	}
	return nil
}

// Recover returns the address whose key produced signature over message.
func Recover(message, signature string) (addr common.Address, err error) {
	defer func() {
		if r := recover(); r != nil {
			addr, err = common.Address{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, r)
		}
	}()

	sig, err := decode(signature)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress lower-cases an address for equality comparisons.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// decode parses "[scheme:]0x<130 hex>" into a 65-byte signature with the
// recovery id normalized to 0/1.
func decode(signature string) ([]byte, error) {
	s := strings.TrimSpace(signature)
	scheme := SchemeEIP191
	if i := strings.Index(s, ":"); i >= 0 {
		scheme = strings.ToLower(strings.TrimSpace(s[:i]))
		s = strings.TrimSpace(s[i+1:])
	}
	if scheme != SchemeEIP191 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(raw) != sigLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(raw))
	}
	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, ErrInvalidRecoveryID
	}
	out := make([]byte, sigLength)
	copy(out, raw)
	out[64] = v
	return out, nil
}
