package group

import (
	"sort"
	"time"

	"github.com/nihannihu/rendezvous/internal/tracker"
	"github.com/nihannihu/rendezvous/pkg/geo"
)

// Place is a coordinate with an optional human-readable label.
type Place struct {
	geo.Coordinate
	Address string `json:"address,omitempty"`
}

type DeltaKind string

const (
	DeltaJoin         DeltaKind = "join"
	DeltaLeave        DeltaKind = "leave"
	DeltaLocation     DeltaKind = "location"
	DeltaConnectivity DeltaKind = "connectivity"
	DeltaDestination  DeltaKind = "destination"
	DeltaMeetingPoint DeltaKind = "meetingPoint"
	DeltaArchived     DeltaKind = "archived"
)

// Delta is a minimal description of one observable change, scoped to a single
// member (or to the group itself for meetingPoint/archived). Deltas are never
// aggregated across members; each one carries the full post-change view of
// the member it concerns, so replaying deltas onto a snapshot reproduces the
// group state.
type Delta struct {
	GroupID      string        `json:"groupId"`
	Kind         DeltaKind     `json:"kind"`
	Username     string        `json:"username,omitempty"`
	Member       *tracker.View `json:"member,omitempty"`
	MeetingPoint *Place        `json:"meetingPoint,omitempty"`
	At           time.Time     `json:"at"`
}

// Empty reports whether the delta describes no change (e.g. a stale sample
// that was dropped).
func (d Delta) Empty() bool { return d.Kind == "" }

// Snapshot is the full current state of a group, sent to a newly attached
// session before any deltas.
type Snapshot struct {
	GroupID      string         `json:"groupId"`
	GroupName    string         `json:"groupName"`
	Destination  Place          `json:"destination"`
	MeetingPoint Place          `json:"meetingPoint"`
	CreatedBy    string         `json:"createdBy"`
	Active       bool           `json:"isActive"`
	Members      []tracker.View `json:"members"`
	At           time.Time      `json:"at"`
}

// Apply folds a delta into the snapshot, returning the updated snapshot.
// Snapshot-plus-deltas must equal direct replay of the underlying updates.
func (s Snapshot) Apply(d Delta) Snapshot {
	switch d.Kind {
	case DeltaLeave:
		members := make([]tracker.View, 0, len(s.Members))
		for _, m := range s.Members {
			if m.Username != d.Username {
				members = append(members, m)
			}
		}
		s.Members = members
	case DeltaMeetingPoint:
		if d.MeetingPoint != nil {
			s.MeetingPoint = *d.MeetingPoint
		}
	case DeltaArchived:
		s.Active = false
	default:
		if d.Member == nil {
			return s
		}
		members := make([]tracker.View, len(s.Members))
		copy(members, s.Members)
		replaced := false
		for i, m := range members {
			if m.Username == d.Username {
				members[i] = *d.Member
				replaced = true
				break
			}
		}
		if !replaced {
			members = append(members, *d.Member)
			sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
		}
		s.Members = members
	}
	return s
}
