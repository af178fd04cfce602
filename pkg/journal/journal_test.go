package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-realms/pkg/realm"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJoinThenLeave(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s := realm.Session{ID: "a", Subscriber: 3, Realm: "notes", ReadOnly: true, JoinedAt: joined}
	require.NoError(t, j.RecordJoin(ctx, s))

	open, err := j.Sessions(ctx, "notes", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].LeftAt.IsZero())
	assert.Empty(t, open[0].Outcome)

	s.LeftAt = joined.Add(time.Minute)
	s.Outcome = "lagged"
	s.Clients = []uint64{7, 9}
	require.NoError(t, j.RecordLeave(ctx, s))

	got, err := j.Sessions(ctx, "notes", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, s.ID, got[0].ID)
	assert.Equal(t, uint64(3), got[0].Subscriber)
	assert.True(t, got[0].ReadOnly)
	assert.True(t, joined.Equal(got[0].JoinedAt))
	assert.True(t, s.LeftAt.Equal(got[0].LeftAt))
	assert.Equal(t, "lagged", got[0].Outcome)
	assert.Equal(t, []uint64{7, 9}, got[0].Clients)
}

func TestSessionsAreScopedAndOrdered(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordJoin(ctx, realm.Session{ID: "old", Realm: "notes", JoinedAt: base}))
	require.NoError(t, j.RecordJoin(ctx, realm.Session{ID: "new", Realm: "notes", JoinedAt: base.Add(time.Hour)}))
	require.NoError(t, j.RecordJoin(ctx, realm.Session{ID: "other", Realm: "board", JoinedAt: base}))

	got, err := j.Sessions(ctx, "notes", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "old", got[1].ID)
}

func TestLeaveWithoutJoinFails(t *testing.T) {
	j := openTest(t)
	err := j.RecordLeave(context.Background(), realm.Session{ID: "ghost", LeftAt: time.Now()})
	assert.ErrorContains(t, err, "never recorded")
}
