package driver

import (
	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Log is where a driver persists the commit record of an applied operation.
type Log interface {
	AppendCommit(rec *tabletpb.CommitRecord) error
}

// Executor runs functions in submission order. *worker.Worker is one.
type Executor interface {
	Submit(f func()) error
}

// Preparer runs the prepare phase of drivers. *PrepareWorker is one.
type Preparer interface {
	Submit(d *Driver) error
}

// Context holds what every driver of a tablet shares.
type Context struct {
	Tracker       *Tracker
	Consensus     consensus.Consensus
	Log           Log
	PrepareWorker Preparer
	ApplyExecutor Executor
	Verifier      *OrderVerifier
	Clock         *clock.HybridClock
	// CommitWait makes leader writes wait out the clock error before they become visible.
	CommitWait bool
	// Fatal stops the process. Defaults to log.Fatal.
	Fatal func(msg string, fields ...zap.Field)
}

func (c *Context) fatal(msg string, fields ...zap.Field) {
	if c.Fatal != nil {
		c.Fatal(msg, fields...)
		return
	}
	log.Fatal(msg, fields...)
}
