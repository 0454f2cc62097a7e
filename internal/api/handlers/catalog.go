package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/profile"
)

// CatalogHandler lists drug profiles and protocols
type CatalogHandler struct {
	repo *profile.Repository
}

// NewCatalogHandler creates a new handler
func NewCatalogHandler(repo *profile.Repository) *CatalogHandler {
	return &CatalogHandler{repo: repo}
}

// ProtocolSummary describes a protocol for listings
type ProtocolSummary struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Drugs []string `json:"drugs"`
}

// ListDrugs handles GET /drugs
func (h *CatalogHandler) ListDrugs(w http.ResponseWriter, r *http.Request) {
	drugs := h.repo.List()
	out := make([]dosing.DrugSummary, 0, len(drugs))
	for _, d := range drugs {
		out = append(out, dosing.Summarize(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDrug handles GET /drugs/{id}
func (h *CatalogHandler) GetDrug(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dosing.Summarize(d))
}

// ListProtocols handles GET /protocols
func (h *CatalogHandler) ListProtocols(w http.ResponseWriter, r *http.Request) {
	protocols := h.repo.Protocols()
	out := make([]ProtocolSummary, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, summarizeProtocol(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProtocol handles GET /protocols/{id}
func (h *CatalogHandler) GetProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.Protocol(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeProtocol(p))
}

func summarizeProtocol(p profile.Protocol) ProtocolSummary {
	return ProtocolSummary{ID: p.ID, Name: p.Name, Drugs: append([]string(nil), p.Drugs...)}
}
