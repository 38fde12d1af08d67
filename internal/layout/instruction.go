package layout

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Instruction names as they appear in the program's dispatch table.
const (
	InstructionLaunch        = "launch"
	InstructionSwap          = "swap"
	InstructionLeverageSwap  = "leverage_swap"
	InstructionClosePosition = "close_position"
)

var instructionNames = map[Discriminator]string{
	InstructionDiscriminator(InstructionLaunch):        InstructionLaunch,
	InstructionDiscriminator(InstructionSwap):          InstructionSwap,
	InstructionDiscriminator(InstructionLeverageSwap):  InstructionLeverageSwap,
	InstructionDiscriminator(InstructionClosePosition): InstructionClosePosition,
}

// LaunchArgs creates a pool for a freshly minted token.
type LaunchArgs struct {
	VirtualSolReserve uint64
	Name              string
	Symbol            string
	URI               string
}

// SwapArgs is a spot swap.
type SwapArgs struct {
	AmountIn     uint64
	MinAmountOut uint64
}

// LeverageSwapArgs opens a leveraged position. Leverage is scaled by 10.
type LeverageSwapArgs struct {
	AmountIn     uint64
	MinAmountOut uint64
	Leverage     uint32
	Nonce        uint64
}

// ClosePositionArgs carries no fields; the position is named by account.
type ClosePositionArgs struct{}

// EncodeInstruction prefixes the borsh-encoded args with the instruction
// discriminator.
func EncodeInstruction(name string, args any) ([]byte, error) {
	d := InstructionDiscriminator(name)
	if _, ok := instructionNames[d]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstruction, name)
	}
	var buf bytes.Buffer
	buf.Write(d[:])
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("layout: encode %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// DecodeInstruction returns the instruction name and its typed args
// (LaunchArgs, SwapArgs, LeverageSwapArgs or ClosePositionArgs).
func DecodeInstruction(data []byte) (string, any, error) {
	if len(data) < 8 {
		return "", nil, fmt.Errorf("%w: instruction has %d bytes", ErrShortAccount, len(data))
	}
	var d Discriminator
	copy(d[:], data[:8])
	name, ok := instructionNames[d]
	if !ok {
		return "", nil, fmt.Errorf("%w: %x", ErrUnknownInstruction, d[:])
	}

	dec := bin.NewBorshDecoder(data[8:])
	var (
		args any
		err  error
	)
	switch name {
	case InstructionLaunch:
		var a LaunchArgs
		err = dec.Decode(&a)
		args = a
	case InstructionSwap:
		var a SwapArgs
		err = dec.Decode(&a)
		args = a
	case InstructionLeverageSwap:
		var a LeverageSwapArgs
		err = dec.Decode(&a)
		args = a
	case InstructionClosePosition:
		args = ClosePositionArgs{}
	}
	if err != nil {
		return "", nil, fmt.Errorf("layout: decode %s: %w", name, err)
	}
	if dec.Remaining() != 0 {
		return "", nil, fmt.Errorf("%w: %d bytes after %s", ErrTrailingInstruction, dec.Remaining(), name)
	}
	return name, args, nil
}
