package domain

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ParseAddress decodes a base58 account address. Malformed input is reported
// as ErrInvalidAddress before any lookup happens.
func ParseAddress(s string) (solana.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return pk, nil
}
