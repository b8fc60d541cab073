package consensus

import (
	"time"

	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// HandleDisableLeaderWrite halts Propose at this server for
// req.TimeoutMs milliseconds, provided req.Term still matches the
// server's current term (a stale request, sent before a term change
// the caller hasn't learned about yet, is rejected rather than
// silently blocking writes in the wrong term). Intended for planned
// maintenance: the operator disables writes, waits for clients to
// re-route to a new leader, then takes this server down.
func (e *Engine) HandleDisableLeaderWrite(req raft.DisableLeaderWriteRequest) raft.DisableLeaderWriteReply {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != raft.RoleLeader {
		return raft.DisableLeaderWriteReply{Success: false}
	}
	if raft.Term(req.Term) != e.record.CurrentTerm() {
		return raft.DisableLeaderWriteReply{Success: false}
	}
	e.leaderWriteDisabledUntil = e.nowFunc().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	return raft.DisableLeaderWriteReply{Success: true}
}
