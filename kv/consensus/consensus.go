package consensus

import (
	"fmt"
)

// Consensus is what the transaction driver needs from the replication subsystem.
//
// ReplicateBatch either rejects the whole batch by returning an error, in which case no callback
// of any round runs, or accepts every round. Each accepted round gets exactly one
// NotifyReplicationFinished call, and NotifyAppended (with its id) before a successful one.
type Consensus interface {
	ReplicateBatch(rounds []*Round) error
	IsLeader() bool
}

// ReplicaHandler starts the operation of a round this node did not propose. It runs on the
// consensus goroutine before the round can be reported as committed.
type ReplicaHandler interface {
	StartReplicaOperation(round *Round) error
}

type ErrNotLeader struct {
	NodeID   uint64
	LeaderID uint64
}

func (e *ErrNotLeader) Error() string {
	return fmt.Sprintf("node %v is not leader, leader is %v", e.NodeID, e.LeaderID)
}

type ErrStopped struct{}

func (e *ErrStopped) Error() string {
	return "consensus is stopped"
}

// ErrEntryReplaced is reported for a round whose log position was overwritten by another leader.
type ErrEntryReplaced struct {
	ID      OpId
	NewTerm uint64
}

func (e *ErrEntryReplaced) Error() string {
	return fmt.Sprintf("entry %v was replaced by an entry of term %v", e.ID, e.NewTerm)
}
