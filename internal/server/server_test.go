package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/server/handler"
	"github.com/alanyoungcy/marketnode/internal/service"
	"github.com/alanyoungcy/marketnode/internal/store/memory"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *memory.Stores) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.New()

	listings := service.NewListingService(stores.Listings, stores.Templates, nil, logger)
	bids := service.NewBidService(stores.Bids, stores.Orders, logger)
	proposals := service.NewProposalService(stores.Proposals, listings, logger)
	votes := service.NewVoteService(stores.Proposals, stores.Votes, stores.Results, nil, nil, time.Second, logger)

	srv := NewServer(cfg, Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("server", "m1", time.Now(), nil),
		Listings:  handler.NewListingHandler(listings, "pLocal", logger),
		Bids:      handler.NewBidHandler(bids, logger),
		Proposals: handler.NewProposalHandler(proposals, votes, nil, logger),
	}, nil, logger)
	return srv, stores
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Routes(t *testing.T) {
	srv, stores := newTestServer(t, Config{})
	ctx := context.Background()

	_, err := stores.Listings.Upsert(ctx, domain.ListingItem{ID: "li-1", Hash: "h1", Seller: "pS"})
	require.NoError(t, err)
	_, err = stores.Proposals.CreateIfAbsent(ctx, domain.Proposal{Hash: "p1", Title: "t", StartBlock: 1, EndBlock: 10})
	require.NoError(t, err)

	h := srv.Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/api/health").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/listings/h1").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/listings/h2").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/listings/h1/bids").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/bids/none/order").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/proposals/p1").Code)

	rec := get(t, h, "/api/proposals/active?from=5&to=6")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hash":"p1"`)

	rec = get(t, h, "/api/proposals/past?block=11")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hash":"p1"`)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "marketnode_http_requests_total"))
}

func TestServer_RequiresAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, Config{APIKeys: []string{"secret"}})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", "X-API-Key", "secret").Code)
}
