package config

import (
	"context"
	"errors"
	"maps"
)

// ErrInvalidRescanResponse is returned when a rescan reply carries no Status
// object.
var ErrInvalidRescanResponse = errors.New("invalid rescan response")

// UpdateActiveRescans merges the per-rescan Status entries of a rescan reply
// into the session's activeRescans value. With prune set, rescans absent
// from the reply are dropped.
func (s *Store) UpdateActiveRescans(ctx context.Context,
	response map[string]any, prune bool) error {

	status, ok := response["Status"].(map[string]any)
	if !ok {
		return ErrInvalidRescanResponse
	}

	current, err := s.Get(ctx, Session, KeyActiveRescans, false)
	if err != nil {
		return err
	}
	active, ok := current.UnwrapOr(nil).(map[string]any)
	if !ok || prune {
		active = make(map[string]any, len(status))
	}

	for id, st := range status {
		if m, ok := st.(map[string]any); ok {
			st = maps.Clone(m)
		}
		active[id] = st
	}

	return s.Set(ctx, Session, KeyActiveRescans, active)
}
