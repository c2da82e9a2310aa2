// Package group implements the per-group coordination actor. One goroutine
// owns all of a group's member state and processes operations strictly one at
// a time, so concurrent reports from different members of the same group
// never interleave and deltas come out in a total order matching application
// order. Distinct groups share nothing and run fully in parallel.
package group

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nihannihu/rendezvous/internal/metrics"
	"github.com/nihannihu/rendezvous/internal/tracker"
	"github.com/nihannihu/rendezvous/pkg/geo"
)

// Broadcaster receives every delta the coordinator emits, in emission order.
// The coordinator calls it from inside the actor goroutine, so implementations
// must not block on the actor (queueing to per-session outboxes is fine).
type Broadcaster interface {
	Broadcast(delta Delta)
}

// Seed describes one pre-existing member when a group is materialized from
// the durable store.
type Seed struct {
	Username           string
	Destination        geo.Coordinate
	DestinationAddress string
	JoinedAt           time.Time
}

// Params carries the durable identity of a group into a live coordinator.
type Params struct {
	ID           string
	Name         string
	Destination  Place
	MeetingPoint Place
	CreatedBy    string
	Active       bool
	Members      []Seed
	Tracker      tracker.Config
}

// Coordinator owns the set of member trackers for one group.
type Coordinator struct {
	id           string
	name         string
	destination  Place
	meetingPoint Place
	createdBy    string
	archived     bool
	members      map[string]*tracker.Tracker
	cfg          tracker.Config

	mailbox     chan func()
	stop        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
	broadcaster Broadcaster
	logger      *slog.Logger
}

func New(p Params, b Broadcaster, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		id:           p.ID,
		name:         p.Name,
		destination:  p.Destination,
		meetingPoint: p.MeetingPoint,
		createdBy:    p.CreatedBy,
		archived:     !p.Active,
		members:      make(map[string]*tracker.Tracker, len(p.Members)),
		cfg:          p.Tracker,
		mailbox:      make(chan func(), 64),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
		broadcaster:  b,
		logger:       logger.With(slog.String("component", "group"), slog.String("groupID", p.ID)),
	}
	// Seeds come from store rows, which always carry the destination the
	// member joined with; no defaulting here.
	for _, seed := range p.Members {
		c.members[seed.Username] = tracker.New(seed.Username, seed.Destination, seed.DestinationAddress, seed.JoinedAt, p.Tracker)
	}
	go c.run()
	return c
}

func (c *Coordinator) ID() string   { return c.id }
func (c *Coordinator) Name() string { return c.name }

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case task := <-c.mailbox:
			task()
		case <-c.stop:
			// Operations already queued complete normally.
			for {
				select {
				case task := <-c.mailbox:
					task()
				default:
					return
				}
			}
		}
	}
}

// perform runs fn inside the actor and waits for its result. A panic inside
// fn is contained to this group: the operation fails, the actor keeps
// serving, and no other group is affected. Both waits race against the
// stopped channel: a task that lands in the mailbox as the actor exits would
// otherwise never be answered.
func (c *Coordinator) perform(fn func() error) error {
	res := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("group operation panicked", slog.Any("panic", r))
				res <- fmt.Errorf("internal error in group %s: %v", c.id, r)
			}
		}()
		res <- fn()
	}
	select {
	case c.mailbox <- task:
		select {
		case err := <-res:
			return err
		case <-c.stopped:
			return ErrGroupClosed
		}
	case <-c.stopped:
		return ErrGroupClosed
	}
}

// emit stamps, broadcasts, and counts a delta. Must be called from inside the
// actor.
func (c *Coordinator) emit(d Delta) Delta {
	d.GroupID = c.id
	d.At = time.Now()
	metrics.Deltas.WithLabelValues(string(d.Kind)).Inc()
	if c.broadcaster != nil {
		c.broadcaster.Broadcast(d)
	}
	return d
}

// Join adds a member. A nil destination defaults to the group destination;
// an explicit coordinate is always honored, including 0°N 0°E.
func (c *Coordinator) Join(username string, destination *geo.Coordinate, address string) (tracker.View, error) {
	var view tracker.View
	err := c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		if _, exists := c.members[username]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, username)
		}
		dest := c.destination.Coordinate
		if destination != nil {
			dest = *destination
		}
		if err := dest.Validate(); err != nil {
			return err
		}
		t := tracker.New(username, dest, address, time.Now(), c.cfg)
		c.members[username] = t
		view = t.View()
		c.emit(Delta{Kind: DeltaJoin, Username: username, Member: &view})
		c.logger.Info("member joined", slog.String("username", username))
		return nil
	})
	return view, err
}

// Leave removes the member entirely. Distinct from going offline: the
// member's state is destroyed.
func (c *Coordinator) Leave(username string) error {
	return c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		if _, exists := c.members[username]; !exists {
			return fmt.Errorf("%w: %s", ErrUnknownMember, username)
		}
		delete(c.members, username)
		c.emit(Delta{Kind: DeltaLeave, Username: username})
		c.logger.Info("member left", slog.String("username", username))
		return nil
	})
}

// ReportLocation applies one location sample for the member. Stale samples
// are dropped silently; the returned delta is Empty() and no broadcast
// happens. Accepted samples produce exactly one delta for exactly that
// member.
func (c *Coordinator) ReportLocation(username string, sample geo.Sample) (Delta, error) {
	var out Delta
	err := c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		t, exists := c.members[username]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownMember, username)
		}
		ch, err := t.AcceptSample(sample, c.meetingPoint.Coordinate)
		if err != nil {
			return err
		}
		if !ch.Accepted {
			metrics.StaleSamples.Inc()
			c.logger.Debug("stale sample dropped", slog.String("username", username), slog.Time("timestamp", sample.Timestamp))
			return nil
		}
		view := t.View()
		out = c.emit(Delta{Kind: DeltaLocation, Username: username, Member: &view})
		return nil
	})
	return out, err
}

// SetConnectivity marks the member online (with its session handle) or
// offline. A delta is produced only when connectivity actually changed.
func (c *Coordinator) SetConnectivity(username string, online bool, connID uuid.UUID) (Delta, error) {
	var out Delta
	err := c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		t, exists := c.members[username]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownMember, username)
		}
		var changed bool
		if online {
			changed = t.MarkOnline(connID)
		} else {
			changed = t.MarkOffline()
		}
		if !changed {
			return nil
		}
		view := t.View()
		out = c.emit(Delta{Kind: DeltaConnectivity, Username: username, Member: &view})
		return nil
	})
	return out, err
}

// Connect atomically marks the member online, hands the subscriber a snapshot
// of the group, and emits the connectivity delta — in that order, inside the
// actor. A session registered by the subscribe callback therefore sees the
// snapshot first and only deltas produced after it.
func (c *Coordinator) Connect(username string, connID uuid.UUID, subscribe func(Snapshot)) error {
	return c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		t, exists := c.members[username]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownMember, username)
		}
		changed := t.MarkOnline(connID)
		subscribe(c.snapshot())
		if changed {
			view := t.View()
			c.emit(Delta{Kind: DeltaConnectivity, Username: username, Member: &view})
		}
		return nil
	})
}

// SetMemberDestination changes a member's personal ETA target.
func (c *Coordinator) SetMemberDestination(username string, destination geo.Coordinate, address string) (Delta, error) {
	var out Delta
	err := c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		t, exists := c.members[username]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownMember, username)
		}
		if err := t.SetDestination(destination, address); err != nil {
			return err
		}
		view := t.View()
		out = c.emit(Delta{Kind: DeltaDestination, Username: username, Member: &view})
		return nil
	})
	return out, err
}

// SetMeetingPoint moves the shared rendezvous target used for deviation
// computation.
func (c *Coordinator) SetMeetingPoint(p Place) error {
	return c.perform(func() error {
		if c.archived {
			return ErrGroupClosed
		}
		if err := p.Validate(); err != nil {
			return err
		}
		c.meetingPoint = p
		c.emit(Delta{Kind: DeltaMeetingPoint, MeetingPoint: &p})
		c.logger.Info("meeting point changed", slog.Float64("lat", p.Latitude), slog.Float64("lon", p.Longitude))
		return nil
	})
}

// Archive transitions the group to its terminal state. Idempotent; further
// mutating operations fail with ErrGroupClosed.
func (c *Coordinator) Archive() error {
	return c.perform(func() error {
		if c.archived {
			return nil
		}
		c.archived = true
		c.emit(Delta{Kind: DeltaArchived})
		c.logger.Info("group archived")
		return nil
	})
}

// Snapshot returns the full current group view. Allowed on archived groups;
// reads do not mutate.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.perform(func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

// snapshot must be called from inside the actor.
func (c *Coordinator) snapshot() Snapshot {
	members := make([]tracker.View, 0, len(c.members))
	for _, t := range c.members {
		members = append(members, t.View())
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return Snapshot{
		GroupID:      c.id,
		GroupName:    c.name,
		Destination:  c.destination,
		MeetingPoint: c.meetingPoint,
		CreatedBy:    c.createdBy,
		Active:       !c.archived,
		Members:      members,
		At:           time.Now(),
	}
}

// Close stops the actor goroutine. Queued operations complete; later calls
// fail with ErrGroupClosed. Used at process shutdown, not for archival.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.stopped
}
