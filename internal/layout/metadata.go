package layout

import (
	"bytes"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// MetadataProgramID is the Metaplex token metadata program.
var MetadataProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

// metadataKeyV1 is the account tag of a Metaplex MetadataV1 account.
const metadataKeyV1 = 4

// MetadataAddress derives the Metaplex metadata account for a mint.
func MetadataAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("metadata"), MetadataProgramID.Bytes(), mint.Bytes()},
		MetadataProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("layout: metadata address: %w", err)
	}
	return addr, nil
}

// metadataHeader is the fixed prefix of a Metaplex metadata account. The
// rest of the account (creators, collection, ...) is ignored.
type metadataHeader struct {
	Key             uint8
	UpdateAuthority solana.PublicKey
	Mint            solana.PublicKey
	Name            string
	Symbol          string
	URI             string
}

// OnChainMetadata is the name, symbol and off-chain URI stored on chain.
type OnChainMetadata struct {
	Mint   solana.PublicKey
	Name   string
	Symbol string
	URI    string
}

// DecodeMetadata parses the header of a Metaplex metadata account. The
// program pads strings with NULs, which are trimmed.
func DecodeMetadata(data []byte) (OnChainMetadata, error) {
	if len(data) < 1+32+32+4 {
		return OnChainMetadata{}, fmt.Errorf("%w: metadata has %d bytes", ErrShortAccount, len(data))
	}
	if data[0] != metadataKeyV1 {
		return OnChainMetadata{}, fmt.Errorf("%w: metadata key %d", ErrWrongDiscriminator, data[0])
	}
	var h metadataHeader
	if err := bin.NewBorshDecoder(data).Decode(&h); err != nil {
		return OnChainMetadata{}, fmt.Errorf("layout: decode metadata: %w", err)
	}
	return OnChainMetadata{
		Mint:   h.Mint,
		Name:   trimPadding(h.Name),
		Symbol: trimPadding(h.Symbol),
		URI:    trimPadding(h.URI),
	}, nil
}

// EncodeMetadata produces a metadata account header, mostly for tests and
// local fixtures.
func EncodeMetadata(md OnChainMetadata) ([]byte, error) {
	h := metadataHeader{Key: metadataKeyV1, Mint: md.Mint, Name: md.Name, Symbol: md.Symbol, URI: md.URI}
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(&h); err != nil {
		return nil, fmt.Errorf("layout: encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// ToDomain drops the URI and mint.
func (m OnChainMetadata) ToDomain() domain.TokenMetadata {
	return domain.TokenMetadata{Name: m.Name, Symbol: m.Symbol}
}

func trimPadding(s string) string {
	return strings.TrimRight(s, "\x00")
}
