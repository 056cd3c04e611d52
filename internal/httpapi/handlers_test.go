package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wisefido-energy/internal/energy"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type fakeSessions struct {
	started  session.StartRequest
	startErr error
	reason   string
	err      error
}

func (f *fakeSessions) RequestStart(_ context.Context, req session.StartRequest) (*models.DeviceUsageSession, error) {
	f.started = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &models.DeviceUsageSession{SessionID: "s-1", DeviceAssignmentID: req.DeviceAssignmentID, Status: models.SessionActive}, nil
}

func (f *fakeSessions) Pause(_ context.Context, id, reason string) (*models.DeviceUsageSession, error) {
	f.reason = reason
	if f.err != nil {
		return nil, f.err
	}
	return &models.DeviceUsageSession{SessionID: id, Status: models.SessionPaused}, nil
}

func (f *fakeSessions) Resume(_ context.Context, id string) (*models.DeviceUsageSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.DeviceUsageSession{SessionID: id, Status: models.SessionActive}, nil
}

func (f *fakeSessions) Finish(_ context.Context, id, reason string) (*models.DeviceUsageSession, error) {
	f.reason = reason
	if f.err != nil {
		return nil, f.err
	}
	return &models.DeviceUsageSession{SessionID: id, Status: models.SessionCompleted}, nil
}

func (f *fakeSessions) Classify(_ context.Context, assignmentID, appointmentID string) (models.DeviceStatus, error) {
	if f.err != nil {
		return models.DeviceStatus{}, f.err
	}
	c := models.ClassificationAvailable
	if appointmentID == "appt-1" {
		c = models.ClassificationInUseThisAppointment
	}
	return models.DeviceStatus{DeviceAssignmentID: assignmentID, Classification: c}, nil
}

func (f *fakeSessions) ClassifyForAppointment(_ context.Context, appointmentID string) ([]models.DeviceStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.DeviceStatus{
		{DeviceAssignmentID: "da-1", Classification: models.ClassificationAvailable},
		{DeviceAssignmentID: "da-2", Classification: models.ClassificationOffline},
	}, nil
}

type fakeRisk struct {
	records map[string]*models.AnomalyScore
}

func (f *fakeRisk) Get(_ context.Context, kind models.EntityKind, systemID, entityID string) (*models.AnomalyScore, error) {
	rec, ok := f.records[string(kind)+"|"+systemID+"|"+entityID]
	if !ok {
		return nil, models.ErrUnknownEntity
	}
	return rec, nil
}

func (f *fakeRisk) List(_ context.Context, kind models.EntityKind, systemID string) ([]*models.AnomalyScore, error) {
	var out []*models.AnomalyScore
	for _, rec := range f.records {
		if rec.Kind == kind && rec.SystemID == systemID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeProfiles struct{}

func (fakeProfiles) Variability(_ context.Context, systemID string) ([]energy.ProfileSummary, error) {
	return []energy.ProfileSummary{{EquipmentID: "eq-1", ServiceID: "svc-" + systemID, SampleCount: 7}}, nil
}

type testEnv struct {
	server   *httptest.Server
	sessions *fakeSessions
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	last := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	risk := &fakeRisk{records: map[string]*models.AnomalyScore{
		"client|sys-1|client-7": {
			Kind: models.EntityClient, SystemID: "sys-1", EntityID: "client-7", ClinicID: "clinic-1",
			TotalServices: 10, TotalAnomalies: 4, AnomalyRate: 40, RiskScore: 52, RiskLevel: models.RiskMedium,
			Indicators: []models.PatternTag{models.PatternTimePattern}, LastAnomalyDate: &last,
		},
	}}
	env := &testEnv{sessions: &fakeSessions{}, metrics: metrics.New()}
	h := NewHandler(env.sessions, risk, fakeProfiles{}, nil, env.metrics, zap.NewNop())
	h.AddHealthCheck("postgres", func(context.Context) error { return nil })
	env.server = httptest.NewServer(h.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) Result[T] {
	t.Helper()
	var out Result[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStartSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions",
		`{"appointment_service_id":"svc-1","device_assignment_id":"da-1"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[models.DeviceUsageSession](t, resp)
	assert.Equal(t, ResultSuccess, res.Code)
	assert.Equal(t, "s-1", res.Result.SessionID)
	assert.Equal(t, session.StartRequest{AppointmentServiceID: "svc-1", DeviceAssignmentID: "da-1"}, env.sessions.started)
}

func TestStartSession_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions", `{"device_assignment_id":"da-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSession_RejectionStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{models.ErrDeviceBusy, http.StatusConflict, "busy"},
		{models.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
		{models.ErrDeviceOffline, http.StatusServiceUnavailable, "offline"},
		{models.ErrUnknownDevice, http.StatusNotFound, "unknown_device"},
		{models.ErrConfigurationInvalid, http.StatusUnprocessableEntity, "misconfigured"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			env := newTestEnv(t)
			env.sessions.startErr = fmt.Errorf("start da-1: %w", tt.err)

			resp := env.do(t, http.MethodPost, "/api/v1/sessions",
				`{"appointment_service_id":"svc-1","device_assignment_id":"da-1"}`, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			res := decode[map[string]string](t, resp)
			assert.Equal(t, ResultError, res.Code)
			assert.Equal(t, tt.reason, res.Result["reason"])
		})
	}
}

func TestStartSession_InternalErrorHidesDetail(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.startErr = errors.New("pq: connection refused")

	resp := env.do(t, http.MethodPost, "/api/v1/sessions",
		`{"appointment_service_id":"svc-1","device_assignment_id":"da-1"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	res := decode[any](t, resp)
	assert.Equal(t, "internal error", res.Message)
}

func TestSessionTransitions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/s-9/pause", `{"reason":"patient break"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SessionPaused, decode[models.DeviceUsageSession](t, resp).Result.Status)
	assert.Equal(t, "patient break", env.sessions.reason)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s-9/resume", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s-9/finish", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SessionCompleted, decode[models.DeviceUsageSession](t, resp).Result.Status)
	assert.Empty(t, env.sessions.reason)

	env.sessions.err = models.ErrInvalidTransition
	resp = env.do(t, http.MethodPost, "/api/v1/sessions/s-9/resume", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/s-9/finish", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	res := decode[any](t, resp)
	assert.Equal(t, ResultError, res.Code)
	assert.Contains(t, res.Message, "not allowed")

	resp = env.do(t, http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/no-such-route", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestClassificationRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/appointments/appt-1/devices", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Items []models.DeviceStatus `json:"items"`
		Total int                   `json:"total"`
	}](t, resp)
	assert.Equal(t, 2, list.Result.Total)
	assert.Equal(t, models.ClassificationOffline, list.Result.Items[1].Classification)

	resp = env.do(t, http.MethodGet, "/api/v1/assignments/da-1/status?appointment_id=appt-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[models.DeviceStatus](t, resp)
	assert.Equal(t, models.ClassificationInUseThisAppointment, st.Result.Classification)

	env.sessions.err = models.ErrUnknownAppointment
	resp = env.do(t, http.MethodGet, "/api/v1/appointments/nope/devices", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRiskRoutes(t *testing.T) {
	env := newTestEnv(t)
	sys := map[string]string{SystemHeader: "sys-1"}

	resp := env.do(t, http.MethodGet, "/api/v1/risk/client/client-7", "", sys)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[models.AnomalyScore](t, resp)
	assert.Equal(t, 52, rec.Result.RiskScore)
	assert.Equal(t, models.RiskMedium, rec.Result.RiskLevel)

	resp = env.do(t, http.MethodGet, "/api/v1/risk/client/client-8", "", sys)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/risk/vendor/client-7", "", sys)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/risk/client/client-7", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRiskExport(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/risk/client/export.xlsx?system_id=sys-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "client_risk_sys-1.xlsx")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Client Risk")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, RiskExportHeader, rows[0])
	assert.Equal(t, "client-7", rows[1][0])
	assert.Equal(t, "52", rows[1][7])
	assert.Equal(t, "medium", rows[1][8])
	assert.Equal(t, "TIME_PATTERN", rows[1][9])
	assert.Equal(t, "2026-03-02T09:00:00Z", rows[1][10])
}

func TestVariability(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/profiles/variability", "", map[string]string{SystemHeader: "sys-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[struct {
		Items []energy.ProfileSummary `json:"items"`
	}](t, resp)
	require.Len(t, res.Result.Items, 1)
	assert.Equal(t, "svc-sys-1", res.Result.Items[0].ServiceID)

	resp = env.do(t, http.MethodGet, "/api/v1/profiles/variability", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.do(t, http.MethodGet, "/api/v1/assignments/da-1/status", "", nil)
	resp = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `route="/api/v1/assignments/{id}/status"`)
}

func TestHealth_ReportsFailingDependency(t *testing.T) {
	h := NewHandler(&fakeSessions{}, &fakeRisk{}, fakeProfiles{}, nil, nil, zap.NewNop())
	h.AddHealthCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "dial tcp: refused")
}
