// Package store defines the durable system of record for group and user
// identity. Live tracking state (location, ETA, deviation, connectivity) is
// transient and only checkpointed here, never authoritative.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// PlaceRecord is a stored coordinate with an optional address label.
type PlaceRecord struct {
	Latitude  float64
	Longitude float64
	Address   string
}

// MemberRecord is one group membership row. The pointer fields carry the last
// checkpointed live state and are nil when the member has never reported.
type MemberRecord struct {
	Username       string
	Destination    PlaceRecord
	JoinedAt       time.Time
	LastLatitude   *float64
	LastLongitude  *float64
	LastReportedAt *time.Time
	ETASeconds     *float64
	RouteDeviated  bool
}

// GroupRecord is the stored identity of a travel party.
type GroupRecord struct {
	ID           string
	Name         string
	Destination  PlaceRecord
	MeetingPoint PlaceRecord
	CreatedBy    string
	Active       bool
	Members      []MemberRecord
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserRecord is the stored identity of a user independent of group state.
type UserRecord struct {
	Username    string
	GroupID     string
	Destination PlaceRecord
}

// Store is the system of record consumed by the tracking core. Implementations
// must be safe for concurrent use; multiple group actors checkpoint through
// the same store.
type Store interface {
	// LoadGroup returns the group and its membership, or ErrNotFound.
	LoadGroup(ctx context.Context, groupID string) (*GroupRecord, error)

	// LoadUser returns the stored user identity, or ErrNotFound.
	LoadUser(ctx context.Context, username string) (*UserRecord, error)

	// SaveGroup upserts the group and replaces its membership rows. Used
	// both for durable changes (join/leave/archive) and for periodic
	// live-state checkpoints.
	SaveGroup(ctx context.Context, g *GroupRecord) error

	// SaveUser upserts a user identity.
	SaveUser(ctx context.Context, u *UserRecord) error

	// Close releases any resources held by the store.
	Close() error
}
