package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.json":
			_, _ = w.Write([]byte(`{"name":"Whip","symbol":"WHIP","image":"ipfs://Qmabc","extra":1}`))
		case "/bad.json":
			_, _ = w.Write([]byte(`<html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(time.Second)
	ctx := context.Background()

	md, err := c.Fetch(ctx, srv.URL+"/ok.json")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenMetadata{Name: "Whip", Symbol: "WHIP", Image: DefaultIPFSGateway + "Qmabc"}, md)

	_, err = c.Fetch(ctx, srv.URL+"/bad.json")
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)

	_, err = c.Fetch(ctx, srv.URL+"/missing.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Fetch(ctx, "file:///etc/passwd")
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}

func TestResolve(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultIPFSGateway+"Qm1", c.Resolve("ipfs://ipfs/Qm1"))
	assert.Equal(t, "https://arweave.net/x", c.Resolve("https://arweave.net/x"))
}
