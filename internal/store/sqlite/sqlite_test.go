package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nihannihu/rendezvous/internal/store"
	"github.com/nihannihu/rendezvous/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadGroup_notFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadGroup(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestSaveGroup_roundTrip verifies a group with members, including
// checkpointed live state, survives a save/load cycle.
func TestSaveGroup_roundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lat, lon, eta := 0.001, 0.002, 300.5
	reported := time.Now().Truncate(time.Second)
	g := &store.GroupRecord{
		ID:           "g1",
		Name:         "hiking crew",
		Destination:  store.PlaceRecord{Latitude: 1, Longitude: 2, Address: "summit"},
		MeetingPoint: store.PlaceRecord{Latitude: 3, Longitude: 4, Address: "trailhead"},
		CreatedBy:    "alice",
		Active:       true,
		Members: []store.MemberRecord{
			{
				Username:    "alice",
				Destination: store.PlaceRecord{Latitude: 1, Longitude: 2},
				JoinedAt:    time.Now().Truncate(time.Second),
			},
			{
				Username:       "bob",
				Destination:    store.PlaceRecord{Latitude: 1, Longitude: 2, Address: "summit"},
				JoinedAt:       time.Now().Truncate(time.Second),
				LastLatitude:   &lat,
				LastLongitude:  &lon,
				LastReportedAt: &reported,
				ETASeconds:     &eta,
				RouteDeviated:  true,
			},
		},
	}
	require.NoError(t, s.SaveGroup(ctx, g))

	loaded, err := s.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, g.Name, loaded.Name)
	require.Equal(t, g.Destination, loaded.Destination)
	require.Equal(t, g.MeetingPoint, loaded.MeetingPoint)
	require.Equal(t, "alice", loaded.CreatedBy)
	require.True(t, loaded.Active)
	require.Len(t, loaded.Members, 2)

	// Members come back ordered by username.
	require.Equal(t, "alice", loaded.Members[0].Username)
	require.Nil(t, loaded.Members[0].LastLatitude)
	require.False(t, loaded.Members[0].RouteDeviated)

	bob := loaded.Members[1]
	require.Equal(t, "bob", bob.Username)
	require.Equal(t, lat, *bob.LastLatitude)
	require.Equal(t, lon, *bob.LastLongitude)
	require.Equal(t, reported.Unix(), bob.LastReportedAt.Unix())
	require.Equal(t, eta, *bob.ETASeconds)
	require.True(t, bob.RouteDeviated)
}

// TestSaveGroup_replacesMembers verifies a later save fully replaces the
// membership rows (members who left disappear).
func TestSaveGroup_replacesMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &store.GroupRecord{
		ID:        "g1",
		Name:      "crew",
		CreatedBy: "alice",
		Active:    true,
		Members: []store.MemberRecord{
			{Username: "alice", JoinedAt: time.Now()},
			{Username: "bob", JoinedAt: time.Now()},
		},
	}
	require.NoError(t, s.SaveGroup(ctx, g))

	g.Members = g.Members[:1]
	g.Active = false
	require.NoError(t, s.SaveGroup(ctx, g))

	loaded, err := s.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	require.False(t, loaded.Active)
	require.Len(t, loaded.Members, 1)
	require.Equal(t, "alice", loaded.Members[0].Username)
}

func TestUser_roundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadUser(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	u := &store.UserRecord{
		Username:    "alice",
		GroupID:     "g1",
		Destination: store.PlaceRecord{Latitude: 1, Longitude: 2, Address: "summit"},
	}
	require.NoError(t, s.SaveUser(ctx, u))

	loaded, err := s.LoadUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, u, loaded)

	// Upsert moves the user to a new group.
	u.GroupID = "g2"
	require.NoError(t, s.SaveUser(ctx, u))
	loaded, err = s.LoadUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "g2", loaded.GroupID)
}
