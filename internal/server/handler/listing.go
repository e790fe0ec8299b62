package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// ListingService is what the listing endpoints need from the service layer.
type ListingService interface {
	GetByHash(ctx context.Context, hash string) (domain.ListingItem, error)
	ListTemplates(ctx context.Context) ([]domain.ListingItemTemplate, error)
	RegisterTemplate(ctx context.Context, profileAddress string, content domain.ListingContent) (domain.ListingItemTemplate, error)
}

// ListingHandler serves listing items and local templates.
type ListingHandler struct {
	listings       ListingService
	profileAddress string
	logger         *slog.Logger
}

// NewListingHandler creates a ListingHandler. profileAddress is the default
// author of registered templates.
func NewListingHandler(listings ListingService, profileAddress string, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		listings:       listings,
		profileAddress: profileAddress,
		logger:         logHandler(logger, "listing"),
	}
}

// GetListing returns a listing item by content hash.
// GET /api/listings/{hash}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	item, err := h.listings.GetByHash(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeServiceError(w, r, h.logger, "listing", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ListTemplates returns every local template.
// GET /api/templates
func (h *ListingHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := h.listings.ListTemplates(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "templates", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": emptyIfNil(ts)})
}

type registerTemplateRequest struct {
	ProfileAddress string                `json:"profileAddress"`
	Content        domain.ListingContent `json:"content"`
}

// RegisterTemplate hashes and stores a locally authored listing.
// POST /api/templates
func (h *ListingHandler) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var req registerTemplateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProfileAddress == "" {
		req.ProfileAddress = h.profileAddress
	}
	if req.ProfileAddress == "" {
		writeError(w, http.StatusBadRequest, "profileAddress is required")
		return
	}

	tmpl, err := h.listings.RegisterTemplate(r.Context(), req.ProfileAddress, req.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, "template", err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}
