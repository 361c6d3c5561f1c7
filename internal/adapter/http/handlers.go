package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/fault"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/service"
)

// maxSpecBodySize bounds plan documents; specs are small YAML files.
const maxSpecBodySize = 4 << 20 // 4 MB

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orc *service.Orchestrator
}

// NewHandlers creates the handler set around the orchestrator.
func NewHandlers(orc *service.Orchestrator) *Handlers {
	return &Handlers{Orc: orc}
}

// CreateProtocol registers a new protocol run.
// POST /api/v1/protocols
func (h *Handlers) CreateProtocol(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[protocol.CreateRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ProjectID, "project_id") {
		return
	}

	p, err := h.Orc.CreateProtocol(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListProtocols returns the protocol runs of a project.
// GET /api/v1/protocols?project_id=
func (h *Handlers) ListProtocols(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if !requireField(w, projectID, "project_id") {
		return
	}
	ps, err := h.Orc.ListProtocols(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	if ps == nil {
		ps = []*protocol.Run{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetProtocol returns one protocol run.
// GET /api/v1/protocols/{id}
func (h *Handlers) GetProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := h.Orc.GetProtocol(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "protocol not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Plan commits a spec document. The body is the raw YAML document; an empty
// body asks the planner engine to synthesize one when auto-generation is on.
// POST /api/v1/protocols/{id}/plan
func (h *Handlers) Plan(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "spec document too large")
		return
	}

	res, err := h.Orc.Plan(r.Context(), urlParam(r, "id"), doc)
	h.respondResult(w, res, err)
}

// RunNext executes one step to its next stable state.
// POST /api/v1/protocols/{id}/run-next
func (h *Handlers) RunNext(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orc.RunNext(r.Context(), urlParam(r, "id"))
	h.respondResult(w, res, err)
}

// RunUntilIdle executes steps, including parallel groups, until the protocol
// has no immediately runnable work.
// POST /api/v1/protocols/{id}/run
func (h *Handlers) RunUntilIdle(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orc.RunUntilIdle(r.Context(), urlParam(r, "id"))
	h.respondResult(w, res, err)
}

// Pause stops new step reservations.
// POST /api/v1/protocols/{id}/pause
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orc.Pause(r.Context(), urlParam(r, "id"))
	h.respondResult(w, res, err)
}

// Resume re-enables step selection.
// POST /api/v1/protocols/{id}/resume
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orc.Resume(r.Context(), urlParam(r, "id"))
	h.respondResult(w, res, err)
}

// Cancel aborts the protocol, terminating in-flight work after a grace period.
// POST /api/v1/protocols/{id}/cancel
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orc.Cancel(r.Context(), urlParam(r, "id"))
	h.respondResult(w, res, err)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

// AnswerClarification records an answer to an open clarification.
// POST /api/v1/protocols/{id}/clarifications/{key}/answer
func (h *Handlers) AnswerClarification(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[answerRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Answer, "answer") {
		return
	}
	res, err := h.Orc.AnswerClarification(r.Context(), urlParam(r, "id"), urlParam(r, "key"), req.Answer)
	h.respondResult(w, res, err)
}

// ListClarifications returns the open clarifications applicable to a protocol.
// GET /api/v1/protocols/{id}/clarifications
func (h *Handlers) ListClarifications(w http.ResponseWriter, r *http.Request) {
	open, err := h.Orc.OpenClarifications(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "protocol not found")
		return
	}
	if open == nil {
		open = []*clarify.Clarification{}
	}
	writeJSON(w, http.StatusOK, open)
}

// RetryStep resets a failed or blocked step to pending.
// POST /api/v1/protocols/{id}/steps/{stepID}/retry
func (h *Handlers) RetryStep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orc.RetryStep(r.Context(), urlParam(r, "id"), urlParam(r, "stepID"))
	h.respondResult(w, res, err)
}

// ListStepRuns returns the step runs of the protocol's active spec.
// GET /api/v1/protocols/{id}/steps
func (h *Handlers) ListStepRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Orc.ListStepRuns(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "protocol not found")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// ListEvents returns the protocol's journal, optionally after ?since_seq=.
// GET /api/v1/protocols/{id}/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	var sinceSeq int64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since_seq must be an integer")
			return
		}
		sinceSeq = v
	}
	events, err := h.Orc.Events(r.Context(), urlParam(r, "id"), sinceSeq)
	if err != nil {
		writeDomainError(w, err, "protocol not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// respondResult maps a command outcome to a response. Commands refuse work by
// returning both a populated Result (with the reason) and a sentinel error;
// those surface as 409 with the result body so callers see the actual state.
func (h *Handlers) respondResult(w http.ResponseWriter, res service.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if res.ProtocolID != "" && (errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTerminal)) {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	if fault.ClassOf(err) == fault.ClassValidation {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeDomainError(w, err, "protocol not found")
}
