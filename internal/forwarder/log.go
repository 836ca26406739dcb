package forwarder

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
)

// LogDriver applies ops by logging and recording them. It reports itself
// attached as soon as it is created.
type LogDriver struct {
	dp     flow.DatapathID
	mu     sync.Mutex
	ops    []flow.Op
	events chan Event
	closed bool
	log    *logrus.Entry
}

func NewLogDriver(dp flow.DatapathID) *LogDriver {
	d := &LogDriver{
		dp:     dp,
		events: make(chan Event, EVENT_CHANNEL_LEN),
		log:    logger.FwderLog.WithField(logger.FieldDatapath, dp.String()),
	}
	d.events <- &AttachEvent{Datapath: dp}
	return d
}

func (d *LogDriver) Apply(ctx context.Context, ops []flow.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		d.log.Infoln(op.String())
	}
	d.ops = append(d.ops, ops...)
	return nil
}

// Ops returns every op applied so far.
func (d *LogDriver) Ops() []flow.Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]flow.Op(nil), d.ops...)
}

// Inject queues a notification as if the datapath had sent it. It reports
// false and drops the event once the driver is closed or its queue is full.
func (d *LogDriver) Inject(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warnf("Drop %T after close", ev)
		return false
	}
	select {
	case d.events <- ev:
		return true
	default:
		d.log.Warnf("Drop %T, event queue full", ev)
		return false
	}
}

func (d *LogDriver) Events() <-chan Event {
	return d.events
}

func (d *LogDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
}
