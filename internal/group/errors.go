package group

import "errors"

var (
	// ErrGroupClosed is returned for any mutating operation on an archived
	// group.
	ErrGroupClosed = errors.New("group is archived")

	// ErrDuplicateMember is returned when joining with a username already
	// present in the group.
	ErrDuplicateMember = errors.New("member already in group")

	// ErrUnknownMember is returned when an operation names a username that
	// is not a member of the group.
	ErrUnknownMember = errors.New("unknown member")
)
