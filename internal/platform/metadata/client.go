// Package metadata fetches the off-chain JSON document a token's metadata
// URI points at.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// maxDocumentSize bounds how much of a metadata document is read.
const maxDocumentSize = 256 << 10

// DefaultIPFSGateway resolves ipfs:// URIs.
const DefaultIPFSGateway = "https://ipfs.io/ipfs/"

// Client fetches token metadata documents.
type Client struct {
	gateway    string
	httpClient *http.Client
}

// New creates a client with the given request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		gateway:    DefaultIPFSGateway,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type document struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Image  string `json:"image"`
}

// Resolve rewrites ipfs:// URIs to the gateway.
func (c *Client) Resolve(uri string) string {
	if rest, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		return c.gateway + strings.TrimPrefix(rest, "ipfs/")
	}
	return uri
}

// Fetch downloads and decodes the document at uri.
func (c *Client) Fetch(ctx context.Context, uri string) (domain.TokenMetadata, error) {
	target := c.Resolve(strings.TrimSpace(uri))
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return domain.TokenMetadata{}, fmt.Errorf("metadata: %w: unsupported uri %q", domain.ErrInvalidMetadata, uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.TokenMetadata{}, fmt.Errorf("metadata: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.TokenMetadata{}, fmt.Errorf("metadata: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.TokenMetadata{}, fmt.Errorf("metadata: %s: %w", uri, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TokenMetadata{}, fmt.Errorf("metadata: %w: HTTP %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var doc document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return domain.TokenMetadata{}, fmt.Errorf("metadata: %w: decode %s: %v", domain.ErrInvalidMetadata, uri, err)
	}
	return domain.TokenMetadata{
		Name:   doc.Name,
		Symbol: doc.Symbol,
		Image:  c.Resolve(doc.Image),
	}, nil
}
