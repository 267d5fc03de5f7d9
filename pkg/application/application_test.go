package application_test

import (
	"testing"

	"github.com/hubd/hubd/internal/testdb"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CreateRejectsDuplicateName(t *testing.T) {
	svc := application.New(testdb.Open(t))

	_, err := svc.Create(t.Context(), application.Descriptor{Name: "billing"})
	require.NoError(t, err)

	_, err = svc.Create(t.Context(), application.Descriptor{Name: "billing"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestService_DeleteFreesNameForReuse(t *testing.T) {
	svc := application.New(testdb.Open(t))

	app, err := svc.Create(t.Context(), application.Descriptor{Name: "billing"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(t.Context(), app.ID))

	_, err = svc.Create(t.Context(), application.Descriptor{Name: "billing"})
	require.NoError(t, err)
}

func TestService_RegistrationFlowRequiresConfirmation(t *testing.T) {
	svc := application.New(testdb.Open(t))

	code, err := svc.IssueRegistrationCode(t.Context(), "127.0.0.1")
	require.NoError(t, err)

	_, err = svc.Redeem(t.Context(), application.RedeemDescriptor{Code: code.Code, Name: "fleet-a"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	_, err = svc.ConfirmRegistrationCode(t.Context(), code.Code)
	require.NoError(t, err)

	app, err := svc.Redeem(t.Context(), application.RedeemDescriptor{Code: code.Code, Name: "fleet-a"})
	require.NoError(t, err)
	assert.Equal(t, "fleet-a", app.Name)
	assert.NotEmpty(t, app.AccessKey)

	_, err = svc.Redeem(t.Context(), application.RedeemDescriptor{Code: code.Code, Name: "fleet-b"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestService_WipeRemovesSequencesEventsAndLogsButKeepsApp(t *testing.T) {
	st := testdb.Open(t)
	svc := application.New(st)

	app, err := svc.Create(t.Context(), application.Descriptor{Name: "fleet-c"})
	require.NoError(t, err)

	task := store.ApplicationTask{ID: "task-1", AppID: app.ID, Name: "x", QualifiedName: "fleet-c/x"}
	require.NoError(t, st.InsertTask(t.Context(), task))

	seq := store.EventSequence{ID: "seq-1", AppID: app.ID, TaskID: task.ID, TaskName: task.QualifiedName, State: store.SequenceInProgress}
	require.NoError(t, st.InsertSequence(t.Context(), seq))
	require.NoError(t, st.InsertEvent(t.Context(), store.Event{ID: "ev-1", AppID: app.ID, SequenceID: seq.ID, EventType: "start", EventKey: "fleet-c/x/start"}))

	require.NoError(t, svc.Wipe(t.Context(), app.ID))

	_, err = st.GetSequence(t.Context(), seq.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stillThere, err := st.GetApplication(t.Context(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, stillThere.ID)
}
