package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/patient"
)

// PatientHandler manages patient and tutor records
type PatientHandler struct {
	store  patient.Store
	logger *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(store patient.Store, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{store: store, logger: logger}
}

// List handles GET /patients
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []patient.Patient{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Create handles POST /patients
func (h *PatientHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p patient.Patient
	if err := decode(r, &p); err != nil {
		h.fail(w, err)
		return
	}
	saved, err := h.store.Save(r.Context(), p)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("patient created", zap.String("patient_id", saved.ID))
	w.Header().Set("Location", "/api/v1/patients/"+saved.ID)
	writeJSON(w, http.StatusCreated, saved)
}

// Get handles GET /patients/{id}
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Put handles PUT /patients/{id}
func (h *PatientHandler) Put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p patient.Patient
	if err := decode(r, &p); err != nil {
		h.fail(w, err)
		return
	}
	if p.ID != "" && p.ID != id {
		h.fail(w, &clinical.InputError{Field: "id", Reason: "does not match the path"})
		return
	}
	p.ID = id
	saved, err := h.store.Upsert(r.Context(), p)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Delete handles DELETE /patients/{id}
func (h *PatientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PatientHandler) fail(w http.ResponseWriter, err error) {
	if kind := writeDomainError(w, err); kind == "internal" {
		h.logger.Error("patient store failed", zap.Error(err))
	}
}
