package controller

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simpleswitch/go-ss2/internal/engine"
	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/forwarder"
)

// Node is one controlled datapath. Its goroutine is the only caller of the
// handler for this datapath, so notifications are handled in arrival order.
type Node struct {
	ID     flow.DatapathID
	Addr   string
	driver forwarder.Driver

	// set after a transport failure; the datapath is provisioned again
	// before the next notification is handled
	reprovision bool
	log         *logrus.Entry
}

func (n *Node) main(ctx context.Context, wg *sync.WaitGroup, h Handler) {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			n.log.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
		n.log.Infoln("node stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.driver.Events():
			if !ok {
				return
			}
			if err := n.handle(ctx, h, ev); err != nil {
				n.log.Errorf("%+v", err)
			}
		}
	}
}

func (n *Node) handle(ctx context.Context, h Handler, ev forwarder.Event) error {
	if ev.DatapathID() != n.ID {
		return errors.Errorf("event %T for datapath %s on node %s", ev, ev.DatapathID(), n.ID)
	}
	if n.reprovision {
		switch ev.(type) {
		case *forwarder.AttachEvent, *forwarder.DetachEvent:
			// both reset the datapath themselves
		default:
			n.log.Warnln("Provision again after transport failure")
			if err := n.attach(ctx, h); err != nil {
				return errors.Wrapf(err, "drop %T", ev)
			}
		}
	}
	return n.dispatch(ctx, h, ev)
}

func (n *Node) attach(ctx context.Context, h Handler) error {
	err := h.OnAttach(ctx, n.ID)
	n.reprovision = errors.Is(err, engine.ErrTransportFailure)
	return err
}

func (n *Node) learn(ctx context.Context, h Handler, ev *forwarder.PacketInEvent) error {
	err := h.OnFrame(ctx, n.ID, ev.InPort, ev.Frame)
	if errors.Is(err, engine.ErrTransportFailure) {
		n.reprovision = true
	}
	return err
}

func (n *Node) detach(h Handler, ev *forwarder.DetachEvent) {
	if ev.Err != nil {
		n.log.Warnf("Detached: %v", ev.Err)
	}
	h.OnDetach(n.ID)
	n.reprovision = false
}
