package driver

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap/errors"
)

// OrderVerifier checks that operations are applied in the order consensus assigned their ids.
type OrderVerifier struct {
	mu          sync.Mutex
	lastID      consensus.OpId
	lastPrepare time.Time
}

func NewOrderVerifier() *OrderVerifier {
	return &OrderVerifier{}
}

// CheckApply records an apply. The id must follow the last applied one and the time the
// operation reached consensus must not go back.
func (v *OrderVerifier) CheckApply(id consensus.OpId, prepareTime time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !id.IsValid() {
		return errors.New("apply of an operation without id")
	}
	if v.lastID.IsValid() && !v.lastID.Less(id) {
		return errors.Errorf("apply of %v after %v", id, v.lastID)
	}
	if prepareTime.Before(v.lastPrepare) {
		return errors.Errorf("apply of %v prepared at %v, before the previous operation at %v",
			id, prepareTime, v.lastPrepare)
	}
	v.lastID = id
	v.lastPrepare = prepareTime
	return nil
}

// SetLastApplied starts verification after ops already applied, e.g. replayed from the log.
func (v *OrderVerifier) SetLastApplied(id consensus.OpId) {
	v.mu.Lock()
	v.lastID = id
	v.mu.Unlock()
}
