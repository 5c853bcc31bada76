package consensus

import (
	"fmt"

	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
)

// OpId is the position of an operation in the replicated log.
type OpId struct {
	Term  uint64
	Index uint64
}

// InvalidOpId is the "unassigned" value.
var InvalidOpId = OpId{}

func NewOpId(term, index uint64) OpId {
	return OpId{Term: term, Index: index}
}

func OpIdFromPB(pb *tabletpb.OpId) OpId {
	return OpId{Term: pb.GetTerm(), Index: pb.GetIndex()}
}

func (id OpId) ToPB() *tabletpb.OpId {
	return &tabletpb.OpId{Term: id.Term, Index: id.Index}
}

func (id OpId) IsValid() bool {
	return id.Index != 0
}

// Compare orders by term, then index.
func (id OpId) Compare(other OpId) int {
	switch {
	case id.Term < other.Term:
		return -1
	case id.Term > other.Term:
		return 1
	case id.Index < other.Index:
		return -1
	case id.Index > other.Index:
		return 1
	}
	return 0
}

func (id OpId) Less(other OpId) bool {
	return id.Compare(other) < 0
}

func (id OpId) String() string {
	if !id.IsValid() {
		return "<unassigned>"
	}
	return fmt.Sprintf("%d.%d", id.Term, id.Index)
}
