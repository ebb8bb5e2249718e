// Package appliances exposes the controller over a small JSON HTTP API.
package appliances

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kilianp07/homeenergy/core/controller"
	"github.com/kilianp07/homeenergy/core/events"
	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/persistence"
	"github.com/kilianp07/homeenergy/core/registry"
)

// Controller is the subset of *controller.Controller served by the API.
type Controller interface {
	Appliances() []model.Appliance
	Appliance(id string) (model.Appliance, error)
	AddAppliance(ctx context.Context, a model.Appliance) (model.Appliance, error)
	UpdateAppliance(ctx context.Context, a model.Appliance) (model.Appliance, error)
	RemoveAppliance(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string, on bool, source string) (model.Appliance, error)
	Status() model.Usage
	Settings() model.ThresholdConfig
	UpdateSettings(ctx context.Context, cfg model.ThresholdConfig) (controller.Outcome, error)
	Rebalance(ctx context.Context) (controller.Outcome, error)
	RestoreAdvice() []model.Directive
	History(ctx context.Context, q history.LogQuery) ([]history.LogRecord, error)
}

type handler struct {
	ctrl Controller
}

// NewHandler returns the API routes. Requests must carry
// "Authorization: Bearer <token>" when token is non-empty.
func NewHandler(ctrl Controller, token string) http.Handler {
	h := &handler{ctrl: ctrl}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/appliances", h.list)
	mux.HandleFunc("POST /api/appliances", h.create)
	mux.HandleFunc("GET /api/appliances/{id}", h.get)
	mux.HandleFunc("PUT /api/appliances/{id}", h.update)
	mux.HandleFunc("DELETE /api/appliances/{id}", h.remove)
	mux.HandleFunc("POST /api/appliances/{id}/power", h.power)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/settings", h.getSettings)
	mux.HandleFunc("PUT /api/settings", h.putSettings)
	mux.HandleFunc("POST /api/rebalance", h.rebalance)
	mux.HandleFunc("GET /api/rebalance/advice", h.advice)
	mux.HandleFunc("GET /api/history", h.history)
	if token == "" {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Appliances())
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	a, err := h.ctrl.Appliance(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var a model.Appliance
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.ctrl.AddAppliance(r.Context(), a)
	if err != nil && out.ID == "" {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, http.StatusCreated, out, err)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	var a model.Appliance
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.ID = r.PathValue("id")
	out, err := h.ctrl.UpdateAppliance(r.Context(), a)
	if err != nil && out.ID == "" {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, http.StatusOK, out, err)
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.RemoveAppliance(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type powerRequest struct {
	On *bool `json:"on"`
}

func (h *handler) power(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, errors.New(`missing "on"`))
		return
	}
	a, err := h.ctrl.Toggle(r.Context(), r.PathValue("id"), *req.On, events.SourceManual)
	if err != nil && a.ID == "" {
		writeError(w, statusFor(err), err)
		return
	}
	writeResult(w, http.StatusOK, a, err)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Settings())
}

// settingsPatch leaves absent fields unchanged.
type settingsPatch struct {
	MaxThresholdKw       *float64 `json:"max_threshold_kw"`
	AutoBalanceEnabled   *bool    `json:"auto_balance_enabled"`
	NotificationsEnabled *bool    `json:"notifications_enabled"`
}

func (h *handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var p settingsPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := h.ctrl.Settings()
	if p.MaxThresholdKw != nil {
		cfg.MaxThresholdKw = *p.MaxThresholdKw
	}
	if p.AutoBalanceEnabled != nil {
		cfg.AutoBalanceEnabled = *p.AutoBalanceEnabled
	}
	if p.NotificationsEnabled != nil {
		cfg.NotificationsEnabled = *p.NotificationsEnabled
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.ctrl.UpdateSettings(r.Context(), cfg)
	if errors.Is(err, controller.ErrReadOnlySettings) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeResult(w, http.StatusOK, out, err)
}

func (h *handler) rebalance(w http.ResponseWriter, r *http.Request) {
	out, err := h.ctrl.Rebalance(r.Context())
	writeResult(w, http.StatusOK, out, err)
}

func (h *handler) advice(w http.ResponseWriter, r *http.Request) {
	advice := h.ctrl.RestoreAdvice()
	if advice == nil {
		advice = []model.Directive{}
	}
	writeJSON(w, http.StatusOK, advice)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	q := history.LogQuery{ApplianceID: r.URL.Query().Get("appliance_id")}
	for name, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
		s := r.URL.Query().Get(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		*dst = t
	}
	q.UnreachableOnly = r.URL.Query().Get("unreachable") == "true"
	records, err := h.ctrl.History(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []history.LogRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidAppliance):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// resultBody carries the in-memory state alongside a persistence error.
type resultBody struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

// writeResult writes v, or v and err with the status derived from err when
// the operation changed the registry but failed afterwards.
func writeResult(w http.ResponseWriter, okStatus int, v any, err error) {
	if err == nil {
		writeJSON(w, okStatus, v)
		return
	}
	writeJSON(w, statusFor(err), resultBody{Result: v, Error: err.Error()})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
