package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hubd/hubd/internal/testdb"
	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/backplane"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/event"
	"github.com/hubd/hubd/pkg/hub"
	"github.com/hubd/hubd/pkg/sequence"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/task"
	"github.com/hubd/hubd/pkg/ticket"
	"github.com/hubd/hubd/pkg/transitbus"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st := testdb.Open(t)
	bp := backplane.NewInMemory()
	layer := channel.NewLayer(bp)
	require.NoError(t, layer.Start(t.Context()))
	t.Cleanup(layer.Stop)

	bus := transitbus.New()
	evSvc := event.New(st, layer, bus, func() int64 { return 1 })
	seqSvc := sequence.New(st, layer, bus, evSvc)
	taskSvc := task.New(st, layer)
	appSvc := application.New(st)
	tickets := ticket.NewRegistry([]byte("test-signing-key"))

	svc := &hub.Services{
		Store: st, Layer: layer, Tickets: tickets,
		Events: evSvc, Sequences: seqSvc, Tasks: taskSvc, Applications: appSvc,
	}

	return NewServer(st, svc, appSvc, taskSvc, seqSvc, tickets, nil), st
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler_ReportsOK(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "ok", resp.Database)
	require.Equal(t, "ok", resp.Backplane)
}

func TestCreateApplicationHandler_RoundTrips(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/applications", createApplicationRequest{Name: "fleet-runner-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.AccessKey)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/applications/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateApplicationHandler_RejectsMissingName(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/applications", createApplicationRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetApplicationHandler_UnknownIDReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/applications/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueApplicationTicketHandler_DisabledApplicationIsForbidden(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/applications", createApplicationRequest{Name: "disabled-app", Disabled: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/applications/"+created.ID+"/tickets", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTaskLifecycle_CreateUpdateDeactivate(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/applications", createApplicationRequest{Name: "task-app"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var app store.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/applications/"+app.ID+"/tasks", createTaskRequest{Name: "build"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var createdTask store.ApplicationTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &createdTask))

	desc := "builds the thing"
	rec = doJSON(t, s, http.MethodPatch, "/api/v1/tasks/"+createdTask.ID, updateTaskRequest{Description: &desc})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/tasks/"+createdTask.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSequenceLifecycle_CreateAndFinishRequiresIfMatch(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/applications", createApplicationRequest{Name: "seq-app"})
	var app store.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/applications/"+app.ID+"/tasks", createTaskRequest{Name: "run"})
	var createdTask store.ApplicationTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &createdTask))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/sequences", createSequenceRequest{AppID: app.ID, TaskID: createdTask.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var seq store.EventSequence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seq))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/finish", bytes.NewReader(nil))
	rec2 := httptest.NewRecorder()
	s.echo.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code) // missing If-Match

	body, err := json.Marshal(finishSequenceRequest{Failed: false})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sequences/"+seq.ID+"/finish", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", "0")
	rec2 = httptest.NewRecorder()
	s.echo.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
}
