package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nihannihu/rendezvous/internal/group"
	"github.com/nihannihu/rendezvous/internal/store"
	"github.com/nihannihu/rendezvous/internal/tracker"
	"github.com/nihannihu/rendezvous/pkg/geo"
	"github.com/nihannihu/rendezvous/pkg/transport"
)

// memStore is an in-memory store.Store that records writes.
type memStore struct {
	mu         sync.Mutex
	groups     map[string]*store.GroupRecord
	users      map[string]*store.UserRecord
	groupSaves int
	userSaves  int
}

func newMemStore() *memStore {
	return &memStore{
		groups: make(map[string]*store.GroupRecord),
		users:  make(map[string]*store.UserRecord),
	}
}

func (m *memStore) LoadGroup(_ context.Context, groupID string) (*store.GroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, groupID)
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) LoadUser(_ context.Context, username string) (*store.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) SaveGroup(_ context.Context, g *store.GroupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.ID] = &cp
	m.groupSaves++
	return nil
}

func (m *memStore) SaveUser(_ context.Context, u *store.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.Username] = &cp
	m.userSaves++
	return nil
}

func (m *memStore) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConn builds a connection that is never run: queued sends just sit in
// the buffered outbox.
func newTestConn(t *testing.T) *transport.Connection {
	t.Helper()
	var wg sync.WaitGroup
	conn := transport.NewConnection(context.Background(), &wg, nil,
		transport.ConnectionConfig{IdleTimeout: time.Minute}, nil, nil, discardLogger())
	return conn
}

func seedGroup(st *memStore, groupID string, members ...string) {
	g := &store.GroupRecord{
		ID:          groupID,
		Name:        "test group",
		Destination: store.PlaceRecord{Latitude: 0, Longitude: 0, Address: "origin"},
		CreatedBy:   "alice",
		Active:      true,
	}
	for _, username := range members {
		g.Members = append(g.Members, store.MemberRecord{
			Username:    username,
			Destination: store.PlaceRecord{Latitude: 0, Longitude: 0},
			JoinedAt:    time.Now(),
		})
	}
	st.groups[groupID] = g
}

func TestAttach_unknownGroup(t *testing.T) {
	st := newMemStore()
	r := New(discardLogger(), st, tracker.Config{})

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "ghost", "alice"))
	require.ErrorIs(t, r.Attach(context.Background(), conn.ID()), ErrUnknownGroup)
}

func TestAttach_unknownConnection(t *testing.T) {
	r := New(discardLogger(), newMemStore(), tracker.Config{})
	conn := newTestConn(t)
	require.ErrorIs(t, r.Attach(context.Background(), conn.ID()), ErrUnknownConnection)
}

func TestAttach_unknownMember(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "mallory"))
	require.ErrorIs(t, r.Attach(context.Background(), conn.ID()), group.ErrUnknownMember)
}

// TestAttachDetach verifies attach materializes the group from the store,
// marks the member online, and that detach marks them offline again and is
// idempotent.
func TestAttachDetach(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice", "bob")
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "alice"))
	require.NoError(t, r.Attach(ctx, conn.ID()))

	snap, err := r.Snapshot(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, snap.Members, 2)
	require.Equal(t, "alice", snap.Members[0].Username)
	require.True(t, snap.Members[0].Online)
	require.False(t, snap.Members[1].Online)

	r.Detach(conn.ID())
	r.Detach(conn.ID()) // no-op

	snap, err = r.Snapshot(ctx, "g1")
	require.NoError(t, err)
	require.False(t, snap.Members[0].Online)
	require.NotNil(t, snap.Members[0].LastSeenAt)
}

func TestReportLocation_flowsIntoSnapshot(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "alice"))
	require.NoError(t, r.Attach(ctx, conn.ID()))

	sample := geo.Sample{
		Coordinate: geo.Coordinate{Latitude: 0, Longitude: 0.0005},
		Timestamp:  time.Now(),
	}
	require.NoError(t, r.ReportLocation(ctx, conn.ID(), sample))

	snap, err := r.Snapshot(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, snap.Members[0].CurrentLocation)
	require.Equal(t, sample.Coordinate, snap.Members[0].CurrentLocation.Coordinate)
}

// TestJoinLeave verifies membership changes are written through to the store.
func TestJoinLeave(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "bob"))
	require.NoError(t, r.Join(ctx, conn.ID(), &geo.Coordinate{Latitude: 1, Longitude: 2}, "cafe"))

	rec, err := st.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, rec.Members, 2)

	u, err := st.LoadUser(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "g1", u.GroupID)
	require.Equal(t, 1.0, u.Destination.Latitude)
	require.Equal(t, "cafe", u.Destination.Address)

	require.NoError(t, r.Leave(ctx, conn.ID()))
	rec, err = st.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, rec.Members, 1)
	require.Equal(t, "alice", rec.Members[0].Username)
}

// TestJoin_fallsBackToStoredDestination verifies a zero destination resolves
// from the user record before defaulting to the group's destination.
func TestJoin_fallsBackToStoredDestination(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	st.users["bob"] = &store.UserRecord{
		Username:    "bob",
		GroupID:     "g1",
		Destination: store.PlaceRecord{Latitude: 5, Longitude: 6, Address: "home"},
	}
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "bob"))
	require.NoError(t, r.Join(ctx, conn.ID(), nil, ""))

	snap, err := r.Snapshot(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "bob", snap.Members[1].Username)
	require.Equal(t, geo.Coordinate{Latitude: 5, Longitude: 6}, snap.Members[1].Destination)
	require.Equal(t, "home", snap.Members[1].DestinationAddress)
}

func TestArchiveGroup(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "alice"))
	require.NoError(t, r.Attach(ctx, conn.ID()))
	require.NoError(t, r.ArchiveGroup(ctx, conn.ID()))

	rec, err := st.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	require.False(t, rec.Active)

	err = r.ReportLocation(ctx, conn.ID(), geo.Sample{
		Coordinate: geo.Coordinate{Latitude: 0, Longitude: 0},
		Timestamp:  time.Now(),
	})
	require.ErrorIs(t, err, group.ErrGroupClosed)
}

// TestCheckpoint verifies live state reaches the store without any membership
// change.
func TestCheckpoint(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t)
	require.NoError(t, r.Register(conn, "g1", "alice"))
	require.NoError(t, r.Attach(ctx, conn.ID()))
	require.NoError(t, r.ReportLocation(ctx, conn.ID(), geo.Sample{
		Coordinate: geo.Coordinate{Latitude: 0, Longitude: 0.001},
		Timestamp:  time.Now(),
	}))

	r.Checkpoint(ctx)

	rec, err := st.LoadGroup(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, rec.Members[0].LastLatitude)
	require.Equal(t, 0.001, *rec.Members[0].LastLongitude)
}

// TestBroadcast_slowSessionDoesNotBlockGroup floods a group whose only
// attached session never drains its outbox. Every operation must still
// return: a full send queue marks the session dead instead of stalling the
// group actor.
func TestBroadcast_slowSessionDoesNotBlockGroup(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})
	ctx := context.Background()

	conn := newTestConn(t) // pumps never run, so nothing drains the outbox
	require.NoError(t, r.Register(conn, "g1", "alice"))
	require.NoError(t, r.Attach(ctx, conn.ID()))

	done := make(chan error, 1)
	go func() {
		base := time.Now()
		for i := 0; i < 300; i++ {
			sample := geo.Sample{
				Coordinate: geo.Coordinate{Latitude: 0, Longitude: float64(i) * 0.00001},
				Timestamp:  base.Add(time.Duration(i) * time.Second),
			}
			if err := r.ReportLocation(ctx, conn.ID(), sample); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("group actor blocked behind a stalled session's send queue")
	}
}

func TestConnectionCountAndCycling(t *testing.T) {
	st := newMemStore()
	seedGroup(st, "g1", "alice")
	r := New(discardLogger(), st, tracker.Config{})

	first := newTestConn(t)
	require.NoError(t, r.Register(first, "g1", "alice"))
	time.Sleep(5 * time.Millisecond)
	second := newTestConn(t)
	require.NoError(t, r.Register(second, "g1", "alice"))

	require.Equal(t, 2, r.ConnectionCount("alice"))
	require.Equal(t, 0, r.ConnectionCount("bob"))

	oldest, ok := r.OldestConnection("alice")
	require.True(t, ok)
	require.Equal(t, first.ID(), oldest.ID())

	r.Deregister(first.ID())
	require.Equal(t, 1, r.ConnectionCount("alice"))
	_, ok = r.OldestConnection("bob")
	require.False(t, ok)
}
