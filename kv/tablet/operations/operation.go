package operations

import (
	"sync"

	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/tablet"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

type OperationType int

const (
	WriteOperationType OperationType = iota + 1
)

func (t OperationType) String() string {
	if t == WriteOperationType {
		return "Write"
	}
	return "Unknown"
}

func (t OperationType) ToPB() tabletpb.OpType {
	if t == WriteOperationType {
		return tabletpb.OpType_Write
	}
	return tabletpb.OpType_Unknown
}

type OperationResult int

const (
	Committed OperationResult = iota
	Aborted
)

func (r OperationResult) String() string {
	if r == Committed {
		return "Committed"
	}
	return "Aborted"
}

// Operation is one unit of work driven through the commit pipeline.
//
// Prepare and Start run on the prepare worker, Apply on the apply worker, never both at once.
// Finish runs exactly once: Committed after the commit record is durable, Aborted if the
// operation never gets applied.
type Operation interface {
	Type() OperationType
	State() *OperationState
	Prepare() error
	Start() error
	NewReplicateMsg() (*tabletpb.ReplicateMsg, error)
	// Apply installs the mutations and returns the serialized effects for the commit record.
	Apply() (effects []byte, err error)
	Finish(result OperationResult)
}

// OperationState is the mutable payload of an operation.
type OperationState struct {
	mu         sync.Mutex
	tablet     *tablet.Tablet
	request    *raft_cmdpb.RaftCmdRequest
	response   *raft_cmdpb.RaftCmdResponse
	hybridTime clock.HybridTime
	respTime   clock.HybridTime
	round      *consensus.Round
	callback   *Callback
	latched    [][]byte
}

func NewOperationState(t *tablet.Tablet, req *raft_cmdpb.RaftCmdRequest, cb *Callback) *OperationState {
	return &OperationState{
		tablet:   t,
		request:  req,
		response: &raft_cmdpb.RaftCmdResponse{Header: &raft_cmdpb.RaftResponseHeader{}},
		callback: cb,
	}
}

func (s *OperationState) Tablet() *tablet.Tablet {
	return s.tablet
}

func (s *OperationState) Request() *raft_cmdpb.RaftCmdRequest {
	return s.request
}

func (s *OperationState) Response() *raft_cmdpb.RaftCmdResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

func (s *OperationState) SetResponse(resp *raft_cmdpb.RaftCmdResponse) {
	s.mu.Lock()
	s.response = resp
	s.mu.Unlock()
}

// Callback may be nil, as for operations replicated from a leader.
func (s *OperationState) Callback() *Callback {
	return s.callback
}

func (s *OperationState) HybridTime() clock.HybridTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hybridTime
}

func (s *OperationState) HasHybridTime() bool {
	return s.HybridTime() != clock.InvalidHybridTime
}

func (s *OperationState) SetHybridTime(ht clock.HybridTime) {
	s.mu.Lock()
	s.hybridTime = ht
	s.mu.Unlock()
}

// SetResponseHybridTime records the time the caller is told its write is visible at.
func (s *OperationState) SetResponseHybridTime(ht clock.HybridTime) {
	s.mu.Lock()
	s.respTime = ht
	s.mu.Unlock()
	if s.callback != nil {
		s.callback.Time = ht
	}
}

func (s *OperationState) ResponseHybridTime() clock.HybridTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respTime
}

func (s *OperationState) Round() *consensus.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

func (s *OperationState) SetRound(r *consensus.Round) {
	s.mu.Lock()
	s.round = r
	s.mu.Unlock()
}

// SetLatchedKeys hands the latches the submitter took over to the operation, which releases
// them when it finishes.
func (s *OperationState) SetLatchedKeys(keys [][]byte) {
	s.mu.Lock()
	s.latched = keys
	s.mu.Unlock()
}

func (s *OperationState) takeLatchedKeys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.latched
	s.latched = nil
	return keys
}
