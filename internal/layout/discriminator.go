// Package layout encodes and decodes the Whiplash program's on-chain account
// and instruction formats. Accounts are borsh-serialised with an 8-byte
// discriminator prefix, little-endian throughout.
package layout

import (
	"crypto/sha256"
	"errors"
)

var (
	ErrShortAccount        = errors.New("layout: account data too short")
	ErrWrongDiscriminator  = errors.New("layout: discriminator mismatch")
	ErrUnknownInstruction  = errors.New("layout: unknown instruction")
	ErrTrailingInstruction = errors.New("layout: trailing instruction data")
)

// Discriminator is the 8-byte type tag at the start of accounts and
// instruction data.
type Discriminator [8]byte

// AccountDiscriminator returns sha256("account:<name>")[:8].
func AccountDiscriminator(name string) Discriminator {
	return hashPrefix("account:" + name)
}

// InstructionDiscriminator returns sha256("global:<name>")[:8], where name is
// the snake_case instruction name.
func InstructionDiscriminator(name string) Discriminator {
	return hashPrefix("global:" + name)
}

func hashPrefix(s string) Discriminator {
	sum := sha256.Sum256([]byte(s))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

var (
	PoolDiscriminator     = AccountDiscriminator("Pool")
	PositionDiscriminator = AccountDiscriminator("Position")
)
