package tablet

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytablet/kv/docdb/scanspec"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

const btreeDegree = 32

// version is one value of a key. Versions of a key sort newest first.
type version struct {
	key     []byte
	ts      clock.HybridTime
	value   []byte
	deleted bool
}

func (v *version) Less(than btree.Item) bool {
	o := than.(*version)
	if c := bytes.Compare(v.key, o.key); c != 0 {
		return c < 0
	}
	return v.ts > o.ts
}

// Mutation is a write of one key.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

type KvPair struct {
	Key   []byte
	Value []byte
}

// Tablet is the in-memory row store of one replicated tablet.
//
// Versions are installed by Apply before the write is committed. Reads must use a timestamp at
// or below Mvcc().SafeTime(), below which no version is still pending.
type Tablet struct {
	mu   sync.RWMutex
	tree *btree.BTree

	mvcc    *MvccManager
	latches *Latches
}

func NewTablet() *Tablet {
	return &Tablet{
		tree:    btree.New(btreeDegree),
		mvcc:    NewMvccManager(),
		latches: NewLatches(),
	}
}

func (t *Tablet) Mvcc() *MvccManager {
	return t.mvcc
}

func (t *Tablet) Latches() *Latches {
	return t.latches
}

// ApplyMutations installs the mutations as versions at ts.
func (t *Tablet) ApplyMutations(ts clock.HybridTime, muts []Mutation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range muts {
		t.tree.ReplaceOrInsert(&version{key: m.Key, ts: ts, value: m.Value, deleted: m.Delete})
	}
}

// Get returns the newest value of key visible at readTs.
func (t *Tablet) Get(key []byte, readTs clock.HybridTime) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var found *version
	t.tree.AscendGreaterOrEqual(&version{key: key, ts: readTs}, func(i btree.Item) bool {
		v := i.(*version)
		if bytes.Equal(v.key, key) {
			found = v
		}
		return false
	})
	if found == nil || found.deleted {
		return nil, false
	}
	return found.value, true
}

// Scan returns up to limit live keys in [lower, upper) visible at readTs. An empty upper means
// no upper bound and limit <= 0 means no limit.
func (t *Tablet) Scan(lower, upper []byte, readTs clock.HybridTime, limit int) []KvPair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		pairs   []KvPair
		lastKey []byte
		seen    bool
	)
	t.tree.AscendGreaterOrEqual(&version{key: lower, ts: clock.MaxHybridTime}, func(i btree.Item) bool {
		v := i.(*version)
		if len(upper) > 0 && bytes.Compare(v.key, upper) >= 0 {
			return false
		}
		if v.ts > readTs || (seen && bytes.Equal(v.key, lastKey)) {
			return true
		}
		lastKey, seen = v.key, true
		if v.deleted {
			return true
		}
		pairs = append(pairs, KvPair{Key: v.key, Value: v.value})
		return limit <= 0 || len(pairs) < limit
	})
	return pairs
}

// Row is a row returned by ScanSpec.
type Row struct {
	Key     []byte
	Columns map[int32]scanspec.Value
}

// ScanSpec returns the rows in the bounds of spec that match its condition. Values must be
// encoded with scanspec.EncodeRow.
func (t *Tablet) ScanSpec(spec *scanspec.ScanSpec, readTs clock.HybridTime) ([]Row, error) {
	start, end := spec.KeyRange()
	var rows []Row
	for _, p := range t.Scan(start, end, readTs, 0) {
		cols, err := scanspec.DecodeRow(p.Value)
		if err != nil {
			return nil, errors.Annotatef(err, "decode row %x", p.Key)
		}
		ok, err := spec.Match(cols)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, Row{Key: p.Key, Columns: cols})
		}
	}
	return rows, nil
}

func (t *Tablet) NumVersions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// MutationsFromRequest converts the put and delete commands of a write request.
func MutationsFromRequest(req *raft_cmdpb.RaftCmdRequest) ([]Mutation, error) {
	muts := make([]Mutation, 0, len(req.GetRequests()))
	for _, r := range req.GetRequests() {
		switch r.CmdType {
		case raft_cmdpb.CmdType_Put:
			if r.Put == nil || len(r.Put.Key) == 0 {
				return nil, errors.New("put without key")
			}
			muts = append(muts, Mutation{Key: r.Put.Key, Value: r.Put.Value})
		case raft_cmdpb.CmdType_Delete:
			if r.Delete == nil || len(r.Delete.Key) == 0 {
				return nil, errors.New("delete without key")
			}
			muts = append(muts, Mutation{Key: r.Delete.Key, Delete: true})
		default:
			return nil, errors.Errorf("unsupported command %v in write", r.CmdType)
		}
	}
	if len(muts) == 0 {
		return nil, errors.New("write without mutations")
	}
	return muts, nil
}
