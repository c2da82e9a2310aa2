// Package registry maps live transport sessions to (group, member) identity,
// routes inbound operations to the owning group coordinator, and fans group
// deltas out to attached sessions. The connection map is the only structure
// shared across group actors; it has its own lock, independent of any group's
// serialization.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nihannihu/rendezvous/internal/group"
	"github.com/nihannihu/rendezvous/internal/metrics"
	"github.com/nihannihu/rendezvous/internal/store"
	"github.com/nihannihu/rendezvous/internal/tracker"
	"github.com/nihannihu/rendezvous/pkg/geo"
	"github.com/nihannihu/rendezvous/pkg/transport"
)

var (
	ErrUnknownGroup      = errors.New("unknown group")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Outbound event names.
const (
	EventSnapshot = "snapshot"
	EventDelta    = "delta"
	EventError    = "error"
)

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// session ties one live connection to its authenticated identity. The member
// holds only this session's connection id, never the connection itself.
type session struct {
	conn      *transport.Connection
	groupID   string
	username  string
	attached  bool
	createdAt time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	byGroup  map[string]map[uuid.UUID]*session

	coordMu sync.Mutex
	coords  map[string]*group.Coordinator

	store      store.Store
	trackerCfg tracker.Config
	logger     *slog.Logger
}

// compile-time check: the registry is the coordinators' broadcaster.
var _ group.Broadcaster = (*Registry)(nil)

func New(logger *slog.Logger, st store.Store, trackerCfg tracker.Config) *Registry {
	return &Registry{
		sessions:   make(map[uuid.UUID]*session),
		byGroup:    make(map[string]map[uuid.UUID]*session),
		coords:     make(map[string]*group.Coordinator),
		store:      st,
		trackerCfg: trackerCfg,
		logger:     logger.With(slog.String("component", "registry")),
	}
}

// Register associates a freshly upgraded connection with its authenticated
// identity. The session receives no broadcasts until Attach succeeds.
func (r *Registry) Register(conn *transport.Connection, groupID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	if _, exists := r.sessions[connID]; exists {
		return errors.New("connection is already registered")
	}
	r.sessions[connID] = &session{
		conn:      conn,
		groupID:   groupID,
		username:  username,
		createdAt: time.Now(),
	}
	r.logger.Debug("connection registered", slog.String("connID", connID.String()), slog.String("username", username))
	return nil
}

// Deregister detaches the session and forgets the connection entirely.
// Idempotent: unknown connection ids are a no-op, since disconnects can race.
func (r *Registry) Deregister(connID uuid.UUID) {
	r.Detach(connID)

	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()
	r.logger.Debug("connection deregistered", slog.String("connID", connID.String()))
}

// Attach subscribes the session to its group's broadcast stream. The group
// actor serializes the whole sequence — mark online, snapshot, subscribe —
// so the session receives the snapshot first and then exactly the deltas
// produced after it.
func (r *Registry) Attach(ctx context.Context, connID uuid.UUID) error {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	coord, err := r.coordinator(ctx, s.groupID)
	if err != nil {
		return err
	}

	return coord.Connect(s.username, connID, func(snap group.Snapshot) {
		r.mu.Lock()
		alreadyAttached := s.attached
		s.attached = true
		sessions := r.byGroup[s.groupID]
		if sessions == nil {
			sessions = make(map[uuid.UUID]*session)
			r.byGroup[s.groupID] = sessions
		}
		sessions[connID] = s
		r.mu.Unlock()

		if !alreadyAttached {
			metrics.ActiveSessions.Inc()
		}
		r.send(s.conn, EventSnapshot, snap)
		r.logger.Info("session attached",
			slog.String("connID", connID.String()),
			slog.String("groupID", s.groupID),
			slog.String("username", s.username))
	})
}

// Detach unsubscribes the session and marks the member offline if this was
// the member's live session. Idempotent.
func (r *Registry) Detach(connID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok || !s.attached {
		r.mu.Unlock()
		return
	}
	s.attached = false
	if sessions := r.byGroup[s.groupID]; sessions != nil {
		delete(sessions, connID)
		if len(sessions) == 0 {
			delete(r.byGroup, s.groupID)
		}
	}
	r.mu.Unlock()
	metrics.ActiveSessions.Dec()

	coord, err := r.coordinator(context.Background(), s.groupID)
	if err != nil {
		return
	}
	if _, err := coord.SetConnectivity(s.username, false, connID); err != nil {
		// Archived groups reject connectivity updates; the mapping is
		// already gone, which is all a detach must guarantee.
		r.logger.Debug("offline mark rejected", slog.String("username", s.username), slog.Any("error", err))
	}
	r.logger.Info("session detached", slog.String("connID", connID.String()), slog.String("username", s.username))
}

// Broadcast implements group.Broadcaster: it queues the delta to every
// attached session of the group, preserving per-group emission order. Called
// from inside group actors; it must not block, and the per-connection send
// buffers keep it that way.
func (r *Registry) Broadcast(d group.Delta) {
	msg, err := marshalEnvelope(EventDelta, d)
	if err != nil {
		r.logger.Error("failed to marshal delta", slog.Any("error", err))
		return
	}

	r.mu.RLock()
	conns := make([]*transport.Connection, 0, len(r.byGroup[d.GroupID]))
	for _, s := range r.byGroup[d.GroupID] {
		conns = append(conns, s.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		r.trySend(conn, msg)
	}
}

// ReportLocation routes a location sample to the session's group coordinator.
func (r *Registry) ReportLocation(ctx context.Context, connID uuid.UUID, sample geo.Sample) error {
	s, coord, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	_, err = coord.ReportLocation(s.username, sample)
	return err
}

// Join adds the session's user to its group. A nil destination falls back to
// the user's stored destination, then to the group's. The membership change
// is written through to the durable store.
func (r *Registry) Join(ctx context.Context, connID uuid.UUID, destination *geo.Coordinate, address string) error {
	s, coord, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}

	if destination == nil {
		if u, err := r.store.LoadUser(ctx, s.username); err == nil {
			destination = &geo.Coordinate{Latitude: u.Destination.Latitude, Longitude: u.Destination.Longitude}
			if address == "" {
				address = u.Destination.Address
			}
		}
	}

	view, err := coord.Join(s.username, destination, address)
	if err != nil {
		return err
	}

	if err := r.persistGroup(ctx, coord); err != nil {
		r.logger.Error("failed to persist group after join", slog.Any("error", err))
	}
	user := &store.UserRecord{
		Username: s.username,
		GroupID:  s.groupID,
		Destination: store.PlaceRecord{
			Latitude:  view.Destination.Latitude,
			Longitude: view.Destination.Longitude,
			Address:   view.DestinationAddress,
		},
	}
	if err := r.store.SaveUser(ctx, user); err != nil {
		r.logger.Error("failed to persist user after join", slog.Any("error", err))
	}
	return nil
}

// Leave removes the session's user from its group and writes the change
// through.
func (r *Registry) Leave(ctx context.Context, connID uuid.UUID) error {
	s, coord, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	if err := coord.Leave(s.username); err != nil {
		return err
	}
	if err := r.persistGroup(ctx, coord); err != nil {
		r.logger.Error("failed to persist group after leave", slog.Any("error", err))
	}
	return nil
}

// SetDestination changes the session user's personal ETA target.
func (r *Registry) SetDestination(ctx context.Context, connID uuid.UUID, destination geo.Coordinate, address string) error {
	s, coord, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	if _, err := coord.SetMemberDestination(s.username, destination, address); err != nil {
		return err
	}
	user := &store.UserRecord{
		Username:    s.username,
		GroupID:     s.groupID,
		Destination: store.PlaceRecord{Latitude: destination.Latitude, Longitude: destination.Longitude, Address: address},
	}
	if err := r.store.SaveUser(ctx, user); err != nil {
		r.logger.Error("failed to persist user destination", slog.Any("error", err))
	}
	return nil
}

// SetMeetingPoint moves the group's shared rendezvous target and writes it
// through.
func (r *Registry) SetMeetingPoint(ctx context.Context, connID uuid.UUID, p group.Place) error {
	_, coord, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	if err := coord.SetMeetingPoint(p); err != nil {
		return err
	}
	if err := r.persistGroup(ctx, coord); err != nil {
		r.logger.Error("failed to persist meeting point", slog.Any("error", err))
	}
	return nil
}

// ArchiveGroup archives the session's group and writes the terminal state
// through.
func (r *Registry) ArchiveGroup(ctx context.Context, connID uuid.UUID) error {
	_, coord, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	if err := coord.Archive(); err != nil {
		return err
	}
	if err := r.persistGroup(ctx, coord); err != nil {
		r.logger.Error("failed to persist archived group", slog.Any("error", err))
	}
	return nil
}

// Snapshot returns the full current view of a group.
func (r *Registry) Snapshot(ctx context.Context, groupID string) (group.Snapshot, error) {
	coord, err := r.coordinator(ctx, groupID)
	if err != nil {
		return group.Snapshot{}, err
	}
	return coord.Snapshot()
}

// SendTo delivers an event to one registered session, attached or not. Used
// for error replies to the originating session.
func (r *Registry) SendTo(connID uuid.UUID, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	r.send(s.conn, event, payload)
	return nil
}

// ConnectionCount returns the number of registered connections for a user,
// for the connection-limit middleware.
func (r *Registry) ConnectionCount(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.username == username {
			count++
		}
	}
	return count
}

// OldestConnection returns the user's longest-lived connection, for
// connection cycling.
func (r *Registry) OldestConnection(username string) (*transport.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest *session
	for _, s := range r.sessions {
		if s.username != username {
			continue
		}
		if oldest == nil || s.createdAt.Before(oldest.createdAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest.conn, true
}

// Checkpoint writes every live group's last-known member state to the
// durable store.
func (r *Registry) Checkpoint(ctx context.Context) {
	r.coordMu.Lock()
	coords := make([]*group.Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		coords = append(coords, c)
	}
	r.coordMu.Unlock()

	for _, coord := range coords {
		if err := r.persistGroup(ctx, coord); err != nil {
			r.logger.Error("checkpoint failed", slog.String("groupID", coord.ID()), slog.Any("error", err))
		}
	}
}

// Shutdown checkpoints all groups, closes every connection, and stops the
// group actors.
func (r *Registry) Shutdown(ctx context.Context) {
	r.Checkpoint(ctx)

	r.mu.Lock()
	conns := make([]*transport.Connection, 0, len(r.sessions))
	for _, s := range r.sessions {
		conns = append(conns, s.conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		conn.Close(errors.New("server shutting down"))
	}

	r.coordMu.Lock()
	defer r.coordMu.Unlock()
	for _, coord := range r.coords {
		coord.Close()
	}
}

// resolve looks up the session and materializes its group coordinator.
func (r *Registry) resolve(ctx context.Context, connID uuid.UUID) (*session, *group.Coordinator, error) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, ErrUnknownConnection
	}
	coord, err := r.coordinator(ctx, s.groupID)
	if err != nil {
		return nil, nil, err
	}
	return s, coord, nil
}

// coordinator returns the live actor for the group, materializing it from the
// durable store on first use.
func (r *Registry) coordinator(ctx context.Context, groupID string) (*group.Coordinator, error) {
	r.coordMu.Lock()
	defer r.coordMu.Unlock()

	if coord, ok := r.coords[groupID]; ok {
		return coord, nil
	}

	rec, err := r.store.LoadGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
		}
		return nil, err
	}

	seeds := make([]group.Seed, 0, len(rec.Members))
	for _, m := range rec.Members {
		seeds = append(seeds, group.Seed{
			Username:           m.Username,
			Destination:        geo.Coordinate{Latitude: m.Destination.Latitude, Longitude: m.Destination.Longitude},
			DestinationAddress: m.Destination.Address,
			JoinedAt:           m.JoinedAt,
		})
	}
	coord := group.New(group.Params{
		ID:   rec.ID,
		Name: rec.Name,
		Destination: group.Place{
			Coordinate: geo.Coordinate{Latitude: rec.Destination.Latitude, Longitude: rec.Destination.Longitude},
			Address:    rec.Destination.Address,
		},
		MeetingPoint: group.Place{
			Coordinate: geo.Coordinate{Latitude: rec.MeetingPoint.Latitude, Longitude: rec.MeetingPoint.Longitude},
			Address:    rec.MeetingPoint.Address,
		},
		CreatedBy: rec.CreatedBy,
		Active:    rec.Active,
		Members:   seeds,
		Tracker:   r.trackerCfg,
	}, r, r.logger)
	r.coords[groupID] = coord
	r.logger.Info("group materialized", slog.String("groupID", groupID), slog.Int("members", len(seeds)))
	return coord, nil
}

// persistGroup writes the coordinator's current snapshot back to the store.
func (r *Registry) persistGroup(ctx context.Context, coord *group.Coordinator) error {
	snap, err := coord.Snapshot()
	if err != nil {
		return err
	}

	rec := &store.GroupRecord{
		ID:   snap.GroupID,
		Name: snap.GroupName,
		Destination: store.PlaceRecord{
			Latitude:  snap.Destination.Latitude,
			Longitude: snap.Destination.Longitude,
			Address:   snap.Destination.Address,
		},
		MeetingPoint: store.PlaceRecord{
			Latitude:  snap.MeetingPoint.Latitude,
			Longitude: snap.MeetingPoint.Longitude,
			Address:   snap.MeetingPoint.Address,
		},
		CreatedBy: snap.CreatedBy,
		Active:    snap.Active,
	}
	for _, m := range snap.Members {
		mr := store.MemberRecord{
			Username: m.Username,
			Destination: store.PlaceRecord{
				Latitude:  m.Destination.Latitude,
				Longitude: m.Destination.Longitude,
				Address:   m.DestinationAddress,
			},
			JoinedAt:      m.JoinedAt,
			RouteDeviated: m.RouteDeviated,
			ETASeconds:    m.ETASeconds,
		}
		if m.CurrentLocation != nil {
			lat, lon := m.CurrentLocation.Latitude, m.CurrentLocation.Longitude
			at := m.CurrentLocation.Timestamp
			mr.LastLatitude, mr.LastLongitude, mr.LastReportedAt = &lat, &lon, &at
		}
		rec.Members = append(rec.Members, mr)
	}
	return r.store.SaveGroup(ctx, rec)
}

func (r *Registry) send(conn *transport.Connection, event string, payload any) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		r.logger.Error("failed to marshal outbound message", slog.String("event", event), slog.Any("error", err))
		return
	}
	r.trySend(conn, msg)
}

// trySend queues without blocking. A full outbox means the session's write
// pump has stalled; the session is closed (asynchronously — a synchronous
// close would re-enter the group actor via Deregister) and can re-attach for
// a fresh snapshot. Called from inside group actors, so it must never stall.
func (r *Registry) trySend(conn *transport.Connection, msg []byte) {
	if conn.TrySend(msg) {
		return
	}
	r.logger.Warn("closing slow session: send queue full", slog.String("connID", conn.ID().String()))
	go conn.Close(errors.New("send queue overflow"))
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Payload: body})
}
