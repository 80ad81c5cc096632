// Package recommend picks the next task to surface to the user.
package recommend

import (
	"forest/internal/hta"
	"forest/internal/logging"
	"forest/internal/snapshot"

	"github.com/google/uuid"
)

// Recommender selects one frontier task from a session snapshot.
type Recommender struct{}

// New creates a Recommender.
func New() *Recommender {
	return &Recommender{}
}

// NextTask returns the recommended next task, or nil when the frontier is
// empty. The last issued task is re-recommended while it is still on the
// frontier, so repeated asks stay stable; otherwise the first frontier task
// wins.
//
// The caller must hold the session lock.
func (r *Recommender) NextTask(snap *snapshot.Snapshot) *hta.Node {
	if snap == nil || snap.Tree == nil {
		return nil
	}
	frontier := snap.Tree.FrontierTasks()
	if len(frontier) == 0 {
		logging.SessionDebug("recommendation: empty frontier for user %s", snap.UserID)
		return nil
	}

	pick := frontier[0]
	if lastID, ok := lastIssued(snap); ok {
		for _, n := range frontier {
			if n.ID == lastID {
				pick = n
				break
			}
		}
	}

	snap.ComponentState[snapshot.ComponentLastIssuedTaskID] = pick.ID.String()
	logging.SessionDebug("recommendation for user %s: %s (%s)", snap.UserID, pick.Title, pick.ID)
	return pick
}

func lastIssued(snap *snapshot.Snapshot) (uuid.UUID, bool) {
	raw, ok := snap.ComponentState[snapshot.ComponentLastIssuedTaskID]
	if !ok {
		return uuid.Nil, false
	}
	str, ok := raw.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
