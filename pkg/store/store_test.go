package store_test

import (
	"testing"
	"time"

	"github.com/hubd/hubd/internal/testdb"
	"github.com/hubd/hubd/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ApplicationUniqueNameAmongLiveRows(t *testing.T) {
	st := testdb.Open(t)

	app := store.Application{ID: "app-1", Name: "billing", DisplayName: "Billing", AccessKey: "k1", CreatedAt: time.Now()}
	require.NoError(t, st.InsertApplication(t.Context(), app))

	dup := store.Application{ID: "app-2", Name: "billing", DisplayName: "Billing II", AccessKey: "k2", CreatedAt: time.Now()}
	err := st.InsertApplication(t.Context(), dup)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.SoftDeleteApplication(t.Context(), app.ID, "billing-deleted-123", time.Now().Unix()))
	require.NoError(t, st.InsertApplication(t.Context(), dup))
}

func TestStore_TransitionSequenceRejectsSecondFinish(t *testing.T) {
	st := testdb.Open(t)

	seq := store.EventSequence{
		ID: "seq-1", AppID: "app-1", TaskID: "task-1", TaskName: "app/task",
		State: store.SequenceInProgress, StateUpdatedAt: time.Now(), CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(72 * time.Hour),
	}
	require.NoError(t, st.InsertSequence(t.Context(), seq))

	finished, err := st.TransitionSequence(t.Context(), seq.ID, 0, func(s *store.EventSequence) {
		s.State = store.SequenceSucceeded
		now := time.Now()
		s.FinishedAt = &now
	})
	require.NoError(t, err)
	assert.Equal(t, store.SequenceSucceeded, finished.State)

	_, err = st.TransitionSequence(t.Context(), seq.ID, finished.Revision, func(s *store.EventSequence) {
		s.State = store.SequenceFailed
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	reread, err := st.GetSequence(t.Context(), seq.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SequenceSucceeded, reread.State, "terminal state must not change after a failed transition")
}

func TestStore_UpsertConnectionIsIdempotentPerConnectionUUID(t *testing.T) {
	st := testdb.Open(t)

	appID := "app-1"
	require.NoError(t, st.InsertApplication(t.Context(), store.Application{
		ID: appID, Name: "agent-app", DisplayName: "Agent App", AccessKey: "k", CreatedAt: time.Now(),
	}))

	conn := store.ConnectionInfo{ID: "conn-1", AppID: appID, Fingerprint: "fp1"}
	first, err := st.UpsertConnection(t.Context(), conn)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Revision)

	second, err := st.UpsertConnection(t.Context(), conn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Revision)
	assert.True(t, second.IsConnected)
}

func TestStore_IncrementCounterUpsertsAndAccumulates(t *testing.T) {
	st := testdb.Open(t)

	require.NoError(t, st.IncrementCounter(t.Context(), "finished_sequences", "2026-08-01", 1))
	require.NoError(t, st.IncrementCounter(t.Context(), "finished_sequences", "2026-08-01", 2))

	value, err := st.GetCounter(t.Context(), "finished_sequences", "2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)

	missing, err := st.GetCounter(t.Context(), "failed_sequences", "2026-08-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), missing)
}

func TestStore_ConsumeSecurityCodeIsSingleUse(t *testing.T) {
	st := testdb.Open(t)

	code := store.OneTimeSecurityCode{
		Code: "abc123", Purpose: "register_application", ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, st.InsertSecurityCode(t.Context(), code))

	_, err := st.ConsumeSecurityCode(t.Context(), code.Code, time.Now())
	require.NoError(t, err)

	_, err = st.ConsumeSecurityCode(t.Context(), code.Code, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
