package wal

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/coocood/badger"
	"github.com/golang/protobuf/proto"
	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const commitKeyPrefix = 'c'

const commitKeyLen = 17

// Options configures a Log.
type Options struct {
	Dir string
	// Bytes per second, 0 means unlimited.
	WriteRate  uint64
	SyncWrites bool
}

// Log is the durable commit record log of a tablet. Records are keyed by (index, term) so a
// forward scan returns them in OpId order.
type Log struct {
	db      *badger.DB
	limiter *rate.Limiter

	mu   sync.Mutex
	last consensus.OpId
}

func Open(opts Options) (*Log, error) {
	dbOpts := badger.DefaultOptions
	dbOpts.Dir = opts.Dir
	dbOpts.ValueDir = opts.Dir
	dbOpts.SyncWrites = opts.SyncWrites
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errors.Annotatef(err, "open wal at %s", opts.Dir)
	}
	l := &Log{db: db, limiter: newWriteLimiter(opts.WriteRate)}
	if err = l.loadLast(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("wal opened", zap.String("dir", opts.Dir), zap.Stringer("last", l.last))
	return l, nil
}

func newWriteLimiter(bytesPerSec uint64) *rate.Limiter {
	if bytesPerSec == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

func commitKey(id consensus.OpId) []byte {
	key := make([]byte, commitKeyLen)
	key[0] = commitKeyPrefix
	binary.BigEndian.PutUint64(key[1:], id.Index)
	binary.BigEndian.PutUint64(key[9:], id.Term)
	return key
}

func decodeCommitKey(key []byte) (consensus.OpId, error) {
	if len(key) != commitKeyLen || key[0] != commitKeyPrefix {
		return consensus.InvalidOpId, errors.Errorf("invalid commit key %x", key)
	}
	return consensus.NewOpId(binary.BigEndian.Uint64(key[9:]), binary.BigEndian.Uint64(key[1:])), nil
}

func (l *Log) loadLast() error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		prefix := []byte{commitKeyPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := decodeCommitKey(it.Item().Key())
			if err != nil {
				return err
			}
			l.last = id
		}
		return nil
	})
}

// AppendCommit durably writes rec. Records must be appended in increasing OpId order.
func (l *Log) AppendCommit(rec *tabletpb.CommitRecord) error {
	id := consensus.NewOpId(rec.Term, rec.Index)
	if !id.IsValid() {
		return errors.Errorf("commit record without op id")
	}
	val, err := proto.Marshal(rec)
	if err != nil {
		return errors.Trace(err)
	}
	if err = l.throttle(len(val)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.last.Less(id) {
		return errors.Errorf("commit record %v is not after %v", id, l.last)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(commitKey(id), val)
	})
	if err != nil {
		return errors.Annotatef(err, "append commit record %v", id)
	}
	l.last = id
	commitRecordBytes.Add(float64(len(val)))
	return nil
}

// throttle waits until n bytes may be written. Requests larger than the burst are split.
func (l *Log) throttle(n int) error {
	if l.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := l.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.limiter.WaitN(context.Background(), chunk); err != nil {
			return errors.Trace(err)
		}
		n -= chunk
	}
	return nil
}

// IterateCommits calls fn for every record after the given id, in OpId order, until fn returns
// false or an error.
func (l *Log) IterateCommits(after consensus.OpId, fn func(rec *tabletpb.CommitRecord) (bool, error)) error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{commitKeyPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id, err := decodeCommitKey(item.Key())
			if err != nil {
				return err
			}
			if !after.Less(id) {
				continue
			}
			val, err := item.Value()
			if err != nil {
				return errors.Trace(err)
			}
			rec := new(tabletpb.CommitRecord)
			if err = proto.Unmarshal(val, rec); err != nil {
				return errors.Annotatef(err, "decode commit record %v", id)
			}
			more, err := fn(rec)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
}

func (l *Log) LastCommitted() consensus.OpId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Log) Close() error {
	return errors.Trace(l.db.Close())
}
