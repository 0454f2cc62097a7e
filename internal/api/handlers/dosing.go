package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/api/middleware"
	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/evaluation"
	"github.com/crivet/dose-engine/internal/domain/patient"
	"github.com/crivet/dose-engine/internal/observability/tracing"
)

// Observer receives evaluation outcomes; *metrics.Metrics implements it
type Observer interface {
	ObserveResult(r dosing.Result, d time.Duration)
	ObserveProtocol(r dosing.ProtocolResult, d time.Duration)
	ObserveError(kind string)
}

type nopObserver struct{}

func (nopObserver) ObserveResult(dosing.Result, time.Duration)           {}
func (nopObserver) ObserveProtocol(dosing.ProtocolResult, time.Duration) {}
func (nopObserver) ObserveError(string)                                  {}

// Options carries the optional collaborators of DosingHandler
type Options struct {
	// Patients fills request defaults when a body names patient_id
	Patients patient.Store
	// Recorder receives an audit event per successful evaluation
	Recorder evaluation.Recorder
	Observer Observer
}

// DosingHandler serves single-drug and protocol evaluations
type DosingHandler struct {
	engine   *dosing.Engine
	patients patient.Store
	recorder evaluation.Recorder
	observer Observer
	logger   *zap.Logger
}

// NewDosingHandler creates a new handler
func NewDosingHandler(engine *dosing.Engine, opts Options, logger *zap.Logger) *DosingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &DosingHandler{
		engine:   engine,
		patients: opts.Patients,
		recorder: opts.Recorder,
		observer: opts.Observer,
		logger:   logger,
	}
}

// EvaluateRequest is the body of POST /dosing/evaluate
type EvaluateRequest struct {
	dosing.Request
	PatientID string `json:"patient_id,omitempty"`
}

// ProtocolEvaluateRequest is the body of POST /protocols/{id}/evaluate
type ProtocolEvaluateRequest struct {
	dosing.ProtocolRequest
	PatientID string `json:"patient_id,omitempty"`
}

// Evaluate handles POST /dosing/evaluate. ALLOWED, WARN and BLOCKED are
// all 200; errors are reserved for requests the engine cannot answer.
func (h *DosingHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var body EvaluateRequest
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	req := body.Request
	if body.PatientID != "" {
		p, err := h.loadPatient(ctx, body.PatientID)
		if err != nil {
			h.fail(w, err)
			return
		}
		p.ApplyDefaults(&req)
	}

	_, span := tracing.StartEvaluation(ctx, req)
	res, err := h.engine.Evaluate(req)
	tracing.End(span, res.Status.String(), err)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.observer.ObserveResult(res, time.Since(start))

	if h.recorder != nil {
		e, err := evaluation.NewDoseEvent(req, res, meta(ctx))
		if err == nil {
			err = h.recorder.Record(ctx, e)
		}
		h.auditFailed(ctx, err)
	}

	h.logger.Info("dose evaluated",
		zap.String("drug_id", res.DrugID),
		zap.String("mode", string(res.Mode)),
		zap.String("status", res.Status.String()),
		zap.Int("unevaluable", len(res.Unevaluable)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, res)
}

// EvaluateProtocol handles POST /protocols/{id}/evaluate
func (h *DosingHandler) EvaluateProtocol(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body ProtocolEvaluateRequest
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	req := body.ProtocolRequest
	if req.ProtocolID != "" && req.ProtocolID != id {
		h.fail(w, &clinical.InputError{Field: "protocol_id", Reason: "does not match the path"})
		return
	}
	req.ProtocolID = id
	if body.PatientID != "" {
		p, err := h.loadPatient(ctx, body.PatientID)
		if err != nil {
			h.fail(w, err)
			return
		}
		p.ApplyProtocolDefaults(&req)
	}

	spanCtx, span := tracing.StartProtocol(ctx, req)
	res, err := h.engine.EvaluateProtocol(spanCtx, req)
	tracing.End(span, res.Status.String(), err)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.observer.ObserveProtocol(res, time.Since(start))

	if h.recorder != nil {
		e, err := evaluation.NewProtocolEvent(req, res, meta(ctx))
		if err == nil {
			err = h.recorder.Record(ctx, e)
		}
		h.auditFailed(ctx, err)
	}

	h.logger.Info("protocol evaluated",
		zap.String("protocol_id", res.ProtocolID),
		zap.String("status", res.Status.String()),
		zap.Int("drugs", len(res.Results)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusOK, res)
}

func (h *DosingHandler) loadPatient(ctx context.Context, id string) (patient.Patient, error) {
	if h.patients == nil {
		return patient.Patient{}, &clinical.InputError{Field: "patient_id", Reason: "no patient store configured"}
	}
	return h.patients.Load(ctx, id)
}

func (h *DosingHandler) fail(w http.ResponseWriter, err error) {
	kind := writeDomainError(w, err)
	h.observer.ObserveError(kind)
	if kind == "internal" {
		h.logger.Error("evaluation failed", zap.Error(err))
	} else {
		h.logger.Debug("evaluation rejected", zap.String("kind", kind), zap.Error(err))
	}
}

// auditFailed logs a recording failure; the caller still gets its result
func (h *DosingHandler) auditFailed(ctx context.Context, err error) {
	if err == nil {
		return
	}
	h.logger.Warn("failed to record evaluation",
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Error(err))
}

func meta(ctx context.Context) evaluation.Meta {
	return evaluation.Meta{
		ClientID:  middleware.GetClientID(ctx),
		RequestID: middleware.GetRequestID(ctx),
	}
}
