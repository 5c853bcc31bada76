// Package tabletpb holds the Go types of proto/tabletpb.proto, kept in the
// reflection-based layout understood by github.com/golang/protobuf.
package tabletpb

import (
	fmt "fmt"

	proto "github.com/golang/protobuf/proto"
)

// Reference imports to suppress errors if they are not otherwise used.
var _ = fmt.Errorf

type OpType int32

const (
	OpType_Unknown OpType = 0
	OpType_Write   OpType = 1
	OpType_NoOp    OpType = 2
)

var OpType_name = map[int32]string{
	0: "Unknown",
	1: "Write",
	2: "NoOp",
}

var OpType_value = map[string]int32{
	"Unknown": 0,
	"Write":   1,
	"NoOp":    2,
}

func (x OpType) String() string {
	return proto.EnumName(OpType_name, int32(x))
}

type Outcome int32

const (
	Outcome_Committed Outcome = 0
	Outcome_Aborted   Outcome = 1
)

var Outcome_name = map[int32]string{
	0: "Committed",
	1: "Aborted",
}

var Outcome_value = map[string]int32{
	"Committed": 0,
	"Aborted":   1,
}

func (x Outcome) String() string {
	return proto.EnumName(Outcome_name, int32(x))
}

type OpId struct {
	Term  uint64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	Index uint64 `protobuf:"varint,2,opt,name=index,proto3" json:"index,omitempty"`
}

func (m *OpId) Reset()         { *m = OpId{} }
func (m *OpId) String() string { return proto.CompactTextString(m) }
func (*OpId) ProtoMessage()    {}

func (m *OpId) GetTerm() uint64 {
	if m != nil {
		return m.Term
	}
	return 0
}

func (m *OpId) GetIndex() uint64 {
	if m != nil {
		return m.Index
	}
	return 0
}

// ReplicateMsg is the payload carried by a consensus round.
type ReplicateMsg struct {
	OpType OpType `protobuf:"varint,1,opt,name=op_type,json=opType,proto3,enum=tabletpb.OpType" json:"op_type,omitempty"`
	// Hybrid timestamp assigned by the leader in Start.
	Timestamp uint64 `protobuf:"varint,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Payload   []byte `protobuf:"bytes,3,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *ReplicateMsg) Reset()         { *m = ReplicateMsg{} }
func (m *ReplicateMsg) String() string { return proto.CompactTextString(m) }
func (*ReplicateMsg) ProtoMessage()    {}

func (m *ReplicateMsg) GetOpType() OpType {
	if m != nil {
		return m.OpType
	}
	return OpType_Unknown
}

func (m *ReplicateMsg) GetTimestamp() uint64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

func (m *ReplicateMsg) GetPayload() []byte {
	if m != nil {
		return m.Payload
	}
	return nil
}

// CommitRecord is appended to the durable log after an operation is applied.
type CommitRecord struct {
	Term      uint64  `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	Index     uint64  `protobuf:"varint,2,opt,name=index,proto3" json:"index,omitempty"`
	OpType    OpType  `protobuf:"varint,3,opt,name=op_type,json=opType,proto3,enum=tabletpb.OpType" json:"op_type,omitempty"`
	Timestamp uint64  `protobuf:"varint,4,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Effects   []byte  `protobuf:"bytes,5,opt,name=effects,proto3" json:"effects,omitempty"`
	Outcome   Outcome `protobuf:"varint,6,opt,name=outcome,proto3,enum=tabletpb.Outcome" json:"outcome,omitempty"`
	Error     string  `protobuf:"bytes,7,opt,name=error,proto3" json:"error,omitempty"`
}

func (m *CommitRecord) Reset()         { *m = CommitRecord{} }
func (m *CommitRecord) String() string { return proto.CompactTextString(m) }
func (*CommitRecord) ProtoMessage()    {}

func (m *CommitRecord) GetTerm() uint64 {
	if m != nil {
		return m.Term
	}
	return 0
}

func (m *CommitRecord) GetIndex() uint64 {
	if m != nil {
		return m.Index
	}
	return 0
}

func (m *CommitRecord) GetOpType() OpType {
	if m != nil {
		return m.OpType
	}
	return OpType_Unknown
}

func (m *CommitRecord) GetTimestamp() uint64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

func (m *CommitRecord) GetEffects() []byte {
	if m != nil {
		return m.Effects
	}
	return nil
}

func (m *CommitRecord) GetOutcome() Outcome {
	if m != nil {
		return m.Outcome
	}
	return Outcome_Committed
}

func (m *CommitRecord) GetError() string {
	if m != nil {
		return m.Error
	}
	return ""
}

func init() {
	proto.RegisterEnum("tabletpb.OpType", OpType_name, OpType_value)
	proto.RegisterEnum("tabletpb.Outcome", Outcome_name, Outcome_value)
	proto.RegisterType((*OpId)(nil), "tabletpb.OpId")
	proto.RegisterType((*ReplicateMsg)(nil), "tabletpb.ReplicateMsg")
	proto.RegisterType((*CommitRecord)(nil), "tabletpb.CommitRecord")
}
