package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"wisefido-energy/internal/models"
	"wisefido-energy/internal/session"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type startSessionRequest struct {
	AppointmentServiceID string `json:"appointment_service_id"`
	DeviceAssignmentID   string `json:"device_assignment_id"`
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

// statusFor maps business-rule rejections to HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrDeviceBusy),
		errors.Is(err, models.ErrAlreadyCompleted),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnknownDevice),
		errors.Is(err, models.ErrUnknownSession),
		errors.Is(err, models.ErrUnknownAppointment),
		errors.Is(err, models.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDeviceOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrConfigurationInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, Fail("internal error"))
		return
	}
	writeJSON(w, status, FailWithReason(err.Error(), session.Reason(err)))
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Fail(message))
}

// decodeOptional reads a JSON body; an empty body leaves v untouched
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) appointmentDevices(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	statuses, err := h.sessions.ClassifyForAppointment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": statuses, "total": len(statuses)}))
}

func (h *Handler) assignmentStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := h.sessions.Classify(r.Context(), id, r.URL.Query().Get("appointment_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(st))
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	req.AppointmentServiceID = strings.TrimSpace(req.AppointmentServiceID)
	req.DeviceAssignmentID = strings.TrimSpace(req.DeviceAssignmentID)
	if req.AppointmentServiceID == "" || req.DeviceAssignmentID == "" {
		badRequest(w, "appointment_service_id and device_assignment_id are required")
		return
	}

	s, err := h.sessions.RequestStart(r.Context(), session.StartRequest{
		AppointmentServiceID: req.AppointmentServiceID,
		DeviceAssignmentID:   req.DeviceAssignmentID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(s))
}

func (h *Handler) pauseSession(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeOptional(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	s, err := h.sessions.Pause(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s))
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s))
}

func (h *Handler) finishSession(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeOptional(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	s, err := h.sessions.Finish(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s))
}

// riskScope validates the tenant and entity kind shared by the risk routes
func riskScope(r *http.Request) (models.EntityKind, string, error) {
	sys := systemID(r)
	if sys == "" {
		return "", "", fmt.Errorf("%s header is required", SystemHeader)
	}
	kind := models.EntityKind(mux.Vars(r)["kind"])
	if !kind.Valid() {
		return "", "", fmt.Errorf("kind must be %q or %q", models.EntityClient, models.EntityEmployee)
	}
	return kind, sys, nil
}

func (h *Handler) getRisk(w http.ResponseWriter, r *http.Request) {
	kind, sys, err := riskScope(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := h.risk.Get(r.Context(), kind, sys, mux.Vars(r)["entityId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(rec))
}

func (h *Handler) exportRisk(w http.ResponseWriter, r *http.Request) {
	kind, sys, err := riskScope(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	records, err := h.risk.List(r.Context(), kind, sys)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := GenerateRiskExport(kind, records)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_risk_%s.xlsx"`, kind, sys))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) variability(w http.ResponseWriter, r *http.Request) {
	sys := systemID(r)
	if sys == "" {
		badRequest(w, SystemHeader+" header is required")
		return
	}
	items, err := h.profiles.Variability(r.Context(), sys)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items, "total": len(items)}))
}
