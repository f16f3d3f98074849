package emailrpc

import (
	"context"
	"slices"

	"github.com/nhle/mailrpc/internal/model"
)

// cleanupState is the housekeeping state of one account folder.
type cleanupState uint8

const (
	// stateDirty folders hold filterctl traffic and await a cleanup.
	stateDirty cleanupState = iota

	// statePending folders have a cleanup in flight.
	statePending

	// stateClean folders were cleaned and leave the ledger on the next
	// pass.
	stateClean
)

func (s cleanupState) String() string {
	switch s {
	case stateDirty:
		return "dirty"
	case statePending:
		return "pending"
	case stateClean:
		return "clean"
	default:
		return "unknown"
	}
}

type cleanup struct {
	state    cleanupState
	attempts int

	// uids are the received messages the cleanup may remove. Inbox
	// cleanups without UIDs remove nothing.
	uids []uint32
}

// mergeUIDs returns the sorted union of a and b.
func mergeUIDs(a, b []uint32) []uint32 {
	if len(b) == 0 {
		return a
	}
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// markDirty records that a folder holds filterctl traffic, naming the
// messages that were received when there are any. A folder that is
// mid-cleanup is marked again with the union of both UID sets, so whatever
// arrived meanwhile is covered by another pass.
func (c *Controller) markDirty(ctx context.Context, key model.FolderKey,
	uids ...uint32) {

	if c.cfg.Janitor == nil {
		return
	}
	if c.cfg.Settings != nil && !c.cfg.Settings.AutoDelete(ctx) {
		return
	}
	if key.Role == model.FolderInbox && len(uids) == 0 {
		return
	}

	for {
		changed := c.autoDelete.Transition(
			func(k model.FolderKey, v cleanup) (cleanup, bool) {
				if k != key {
					return v, false
				}
				next := cleanup{state: stateDirty, uids: uids}
				switch v.state {
				case stateDirty:
					next.attempts = v.attempts
					next.uids = mergeUIDs(v.uids, uids)
				case statePending:
					next.uids = mergeUIDs(v.uids, uids)
				}
				return next, true
			},
		)
		if len(changed) > 0 ||
			c.autoDelete.Add(key, cleanup{state: stateDirty, uids: uids}) {

			break
		}
	}
	c.activity.set(true)
}

// runAutoDelete advances the housekeeping ledger by one step. Clean entries
// leave, entries stuck past the deadline are dropped, and dirty entries
// start a cleanup. It returns the number started and dropped.
func (c *Controller) runAutoDelete(ctx context.Context) (int, int) {
	c.autoDelete.Scan(func(_ model.FolderKey, v cleanup) bool {
		return v.state == stateClean
	})

	var dropped int
	for _, e := range c.autoDelete.Expire(c.cfg.AutoDeleteDeadline) {
		log.WarnS(ctx, "Dropping stuck folder cleanup", nil,
			"folder", e.Key.String(), "state", e.Value.state.String(),
			"attempts", e.Value.attempts)
		dropped++
	}

	started := c.autoDelete.Transition(
		func(_ model.FolderKey, v cleanup) (cleanup, bool) {
			if v.state != stateDirty {
				return v, false
			}
			v.state = statePending
			return v, true
		},
	)

	for _, e := range started {
		key, job := e.Key, e.Value
		ok := c.spawn(func(ctx context.Context) {
			c.cleanFolder(ctx, key, job)
		})
		if !ok {
			c.autoDelete.Pop(key)
		}
	}

	return len(started), dropped
}

func (c *Controller) cleanFolder(ctx context.Context, key model.FolderKey,
	job cleanup) {

	acct, err := c.cfg.Accounts.Get(ctx, key.AccountID)
	if err == nil {
		var n int
		n, err = c.cfg.Janitor.DeleteArtifacts(ctx, acct, key.Role,
			job.uids)
		if err == nil {
			log.DebugS(ctx, "Cleaned folder", "folder", key.String(),
				"deleted", n)
		}
	}

	if err == nil {
		// Only a cleanup still pending completes; a folder marked dirty
		// again while this one ran needs another pass.
		c.autoDelete.Transition(
			func(k model.FolderKey, v cleanup) (cleanup, bool) {
				if k != key || v.state != statePending {
					return v, false
				}
				return cleanup{state: stateClean}, true
			},
		)
		return
	}

	attempts := job.attempts + 1
	if attempts >= c.cfg.AutoDeleteAttempts {
		log.ErrorS(ctx, "Giving up on folder cleanup", err,
			"folder", key.String(), "attempts", attempts)
		c.autoDelete.Scan(func(k model.FolderKey, v cleanup) bool {
			return k == key && v.state == statePending
		})
		return
	}

	log.WarnS(ctx, "Folder cleanup failed, will retry", err,
		"folder", key.String(), "attempts", attempts)
	c.autoDelete.Transition(
		func(k model.FolderKey, v cleanup) (cleanup, bool) {
			if k != key || v.state != statePending {
				return v, false
			}
			return cleanup{
				state:    stateDirty,
				attempts: attempts,
				uids:     v.uids,
			}, true
		},
	)
}
