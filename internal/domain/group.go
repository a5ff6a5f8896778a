package domain

import "errors"

const MaxGroupNameLen = 64

var (
	ErrGroupNameEmpty   = errors.New("group name empty")
	ErrGroupNameTooLong = errors.New("group name too long")
)

type GroupName string

// Group is a named room. It has no metadata beyond its name and exists only
// while it has members.
type Group struct {
	Name GroupName `json:"name"`
}

func (g GroupName) Validate() error {
	if len(g) == 0 {
		return ErrGroupNameEmpty
	}
	if len(g) > MaxGroupNameLen {
		return ErrGroupNameTooLong
	}
	return nil
}
