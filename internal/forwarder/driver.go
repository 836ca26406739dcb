// Package forwarder carries rule ops to datapaths and their notifications back.
package forwarder

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
	"github.com/simpleswitch/go-ss2/pkg/factory"
)

// Driver is the connection to one datapath.
//
// Apply applies ops in order and returns once every op has been applied;
// all ops before a flow.Barrier complete before any op after it starts.
// Events delivers the datapath's notifications in arrival order and is
// closed when the driver stops.
type Driver interface {
	Apply(ctx context.Context, ops []flow.Op) error
	Events() <-chan Event
	Close()
}

// Event is a notification from a datapath.
type Event interface {
	DatapathID() flow.DatapathID
}

// AttachEvent reports the controller may program the datapath.
type AttachEvent struct {
	Datapath flow.DatapathID
}

// DetachEvent reports the session ended, with the cause if any.
type DetachEvent struct {
	Datapath flow.DatapathID
	Err      error
}

// PacketInEvent carries a frame punted by the datapath.
type PacketInEvent struct {
	Datapath flow.DatapathID
	InPort   flow.PortNo
	Frame    []byte
}

func (e *AttachEvent) DatapathID() flow.DatapathID   { return e.Datapath }
func (e *DetachEvent) DatapathID() flow.DatapathID   { return e.Datapath }
func (e *PacketInEvent) DatapathID() flow.DatapathID { return e.Datapath }

// NewDriver opens the forwarder selected by cfg.Forwarder for one datapath.
func NewDriver(ctx context.Context, wg *sync.WaitGroup, cfg *factory.Config, dp factory.Datapath) (Driver, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	logger.MainLog.Infof("starting Forwarder [%s] for datapath %d", cfg.Forwarder, dp.ID)
	switch cfg.Forwarder {
	case "log":
		return NewLogDriver(flow.DatapathID(dp.ID)), nil
	case "p4runtime":
		if cfg.P4Runtime == nil {
			return nil, errors.Errorf("no p4runtime config")
		}
		driver, err := OpenP4Runtime(ctx, wg, cfg.P4Runtime, dp, policy)
		if err != nil {
			return nil, errors.Wrap(err, "open P4Runtime")
		}
		return driver, nil
	}
	return nil, errors.Errorf("not support forwarder:%q", cfg.Forwarder)
}
