// Package tracker holds the live, in-memory state for a single group member:
// last accepted location, route-deviation flag, ETA, and connectivity. All
// mutation goes through the owning group actor, so the tracker itself is not
// safe for concurrent use.
package tracker

import (
	"time"

	"github.com/google/uuid"

	"github.com/nihannihu/rendezvous/internal/eta"
	"github.com/nihannihu/rendezvous/pkg/geo"
)

// Config holds the open design parameters of deviation and ETA computation.
// Zero values fall back to the documented defaults.
type Config struct {
	CorridorToleranceMeters float64 // default 150
	OvershootMarginMeters   float64 // default 50
	HistoryWindow           int     // default 10
	MinSpeedMetersPerSec    float64 // default 0.5
}

func (c Config) withDefaults() Config {
	if c.CorridorToleranceMeters <= 0 {
		c.CorridorToleranceMeters = 150
	}
	if c.OvershootMarginMeters <= 0 {
		c.OvershootMarginMeters = 50
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.MinSpeedMetersPerSec <= 0 {
		c.MinSpeedMetersPerSec = 0.5
	}
	return c
}

// Tracker is the live state of one member.
type Tracker struct {
	username           string
	destination        geo.Coordinate
	destinationAddress string
	joinedAt           time.Time
	updatedAt          time.Time

	cfg       Config
	estimator *eta.Estimator
	history   *eta.History

	current       *geo.Sample
	etaSeconds    float64
	hasETA        bool
	routeDeviated bool

	online     bool
	lastSeenAt time.Time
	connID     uuid.UUID
	staleDrops uint64
}

func New(username string, destination geo.Coordinate, destinationAddress string, joinedAt time.Time, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		username:           username,
		destination:        destination,
		destinationAddress: destinationAddress,
		joinedAt:           joinedAt,
		updatedAt:          joinedAt,
		cfg:                cfg,
		estimator:          eta.NewEstimator(cfg.MinSpeedMetersPerSec),
		history:            eta.NewHistory(cfg.HistoryWindow),
	}
}

// Change describes what an accepted sample or connectivity event altered.
type Change struct {
	Accepted         bool
	LocationChanged  bool
	DeviationChanged bool
	ETAChanged       bool
}

// AcceptSample applies one reported location. Samples not newer than the last
// accepted one are dropped silently (Accepted=false) and counted; state is
// left untouched. On accept the deviation flag is recomputed against the
// corridor from the previous known position (or the member's destination when
// no position exists yet) to the group meeting point, and the ETA is
// recomputed over the bounded sample history toward the member's destination.
func (t *Tracker) AcceptSample(sample geo.Sample, meetingPoint geo.Coordinate) (Change, error) {
	if err := sample.Validate(); err != nil {
		return Change{}, err
	}

	if t.current != nil && !sample.Timestamp.After(t.current.Timestamp) {
		t.staleDrops++
		return Change{}, nil
	}

	origin := t.destination
	if t.current != nil {
		origin = t.current.Coordinate
	}
	within, err := geo.WithinCorridor(sample.Coordinate, origin, meetingPoint,
		t.cfg.CorridorToleranceMeters, t.cfg.OvershootMarginMeters)
	if err != nil {
		return Change{}, err
	}

	ch := Change{Accepted: true, LocationChanged: true}

	if deviated := !within; deviated != t.routeDeviated {
		t.routeDeviated = deviated
		ch.DeviationChanged = true
	}

	s := sample
	t.current = &s
	t.history.Add(s)

	seconds, ok := t.estimator.Estimate(t.history.Samples(), t.destination)
	if ok != t.hasETA || (ok && seconds != t.etaSeconds) {
		ch.ETAChanged = true
	}
	t.etaSeconds, t.hasETA = seconds, ok

	t.lastSeenAt = time.Now()
	t.updatedAt = t.lastSeenAt
	return ch, nil
}

// MarkOnline records an active session for the member. Returns true when
// connectivity actually changed.
func (t *Tracker) MarkOnline(connID uuid.UUID) bool {
	changed := !t.online || t.connID != connID
	t.online = true
	t.connID = connID
	t.lastSeenAt = time.Now()
	t.updatedAt = t.lastSeenAt
	return changed
}

// MarkOffline clears the session reference. Last-known location and ETA are
// preserved for display; an offline member is still a group member.
func (t *Tracker) MarkOffline() bool {
	if !t.online {
		return false
	}
	t.online = false
	t.connID = uuid.Nil
	t.lastSeenAt = time.Now()
	t.updatedAt = t.lastSeenAt
	return true
}

// SetDestination changes the member's personal ETA target. Destinations are
// otherwise immutable after join.
func (t *Tracker) SetDestination(destination geo.Coordinate, address string) error {
	if err := destination.Validate(); err != nil {
		return err
	}
	t.destination = destination
	t.destinationAddress = address
	t.updatedAt = time.Now()

	seconds, ok := t.estimator.Estimate(t.history.Samples(), t.destination)
	t.etaSeconds, t.hasETA = seconds, ok
	return nil
}

func (t *Tracker) Username() string   { return t.username }
func (t *Tracker) Online() bool       { return t.online }
func (t *Tracker) ConnID() uuid.UUID  { return t.connID }
func (t *Tracker) StaleDrops() uint64 { return t.staleDrops }

// View is an immutable snapshot of a member, safe to hand across goroutines
// and to serialize into snapshots and deltas.
type View struct {
	Username           string         `json:"username"`
	Destination        geo.Coordinate `json:"destination"`
	DestinationAddress string         `json:"destinationAddress,omitempty"`
	CurrentLocation    *geo.Sample    `json:"currentLocation,omitempty"`
	ETASeconds         *float64       `json:"etaSeconds,omitempty"`
	RouteDeviated      bool           `json:"routeDeviated"`
	Online             bool           `json:"online"`
	LastSeenAt         *time.Time     `json:"lastSeenAt,omitempty"`
	JoinedAt           time.Time      `json:"joinedAt"`
}

func (t *Tracker) View() View {
	v := View{
		Username:           t.username,
		Destination:        t.destination,
		DestinationAddress: t.destinationAddress,
		RouteDeviated:      t.routeDeviated,
		Online:             t.online,
		JoinedAt:           t.joinedAt,
	}
	if t.current != nil {
		s := *t.current
		v.CurrentLocation = &s
	}
	if t.hasETA {
		secs := t.etaSeconds
		v.ETASeconds = &secs
	}
	if !t.lastSeenAt.IsZero() {
		seen := t.lastSeenAt
		v.LastSeenAt = &seen
	}
	return v
}
