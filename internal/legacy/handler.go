package legacy

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lakeraven/filebot/internal/engine"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
	"github.com/lakeraven/filebot/pkg/logger"
	"github.com/lakeraven/filebot/pkg/middleware"
)

// HolderHeader names the lock holder of a request. Without it the request
// id is used.
const HolderHeader = "X-Lock-Holder"

// Request is the body of POST /api/v1/fileman/{op}.
type Request struct {
	File    string            `json:"file"`
	IEN     string            `json:"ien,omitempty"`
	Fields  string            `json:"fields,omitempty"`
	Flags   string            `json:"flags,omitempty"`
	Value   string            `json:"value,omitempty"`
	Field   string            `json:"field,omitempty"`
	From    string            `json:"from,omitempty"`
	Max     int               `json:"max,omitempty"`
	Screen  string            `json:"screen,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Handler serves the legacy calls over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a Handler for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, logger: slog.Default().With("component", "fileman-handler")}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/fileman/{op}", h.Call)
	mux.HandleFunc("GET /api/v1/patients/{ien}/summary", h.PatientSummary)
}

// Call dispatches one legacy operation.
func (h *Handler) Call(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.File == "" {
		h.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	ctx := r.Context()
	holder := r.Header.Get(HolderHeader)
	if holder == "" {
		holder = middleware.GetRequestID(ctx)
	}
	ctx = engine.WithHolder(ctx, holder)

	op := r.PathValue("op")
	var res Result
	switch op {
	case "gets":
		res = h.svc.Gets(ctx, req.File, req.IEN, req.Fields, req.Flags)
	case "create":
		res = h.svc.Create(ctx, req.File, req.Data)
	case "update":
		res = h.svc.Update(ctx, req.File, req.IEN, req.Data)
	case "find":
		res = h.svc.Find(ctx, req.File, req.Value, req.Field, req.Max)
	case "list":
		res = h.svc.List(ctx, req.File, req.From, req.Fields, req.Max, req.Screen)
	case "delete":
		res = h.svc.Delete(ctx, req.File, req.IEN)
	case "lock":
		res = h.svc.Lock(ctx, req.File, req.IEN, req.Timeout)
	case "unlock":
		res = h.svc.Unlock(ctx, req.File, req.IEN)
	default:
		h.writeError(w, http.StatusNotFound, "unknown operation "+op)
		return
	}
	h.respond(w, r, op, res)
}

// PatientSummary serves the demographic summary of one patient.
func (h *Handler) PatientSummary(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "summary", h.svc.Summary(r.Context(), r.PathValue("ien")))
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op string, res Result) {
	status := http.StatusOK
	if !res.Success {
		status = fberrors.HTTPStatusCode(res.Err())
		logger.FromContext(r.Context()).Info("fileman call failed", "op", op, "status", status, "error", res.Err())
	}
	h.writeJSON(w, status, res)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Result{Errors: []string{message}})
}
