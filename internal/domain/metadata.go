package domain

// TokenMetadata is the off-chain description of a token, resolved from the
// pool's metadata URI.
type TokenMetadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Image  string `json:"image"`
}

// SearchResult is one entry returned by token search.
type SearchResult struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Image   string `json:"image,omitempty"`
	HasPool bool   `json:"has_pool"`
}
