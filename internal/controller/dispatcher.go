package controller

import (
	"context"

	"github.com/pkg/errors"

	"github.com/simpleswitch/go-ss2/internal/forwarder"
)

func (n *Node) dispatch(ctx context.Context, h Handler, ev forwarder.Event) error {
	switch e := ev.(type) {
	case *forwarder.AttachEvent:
		return n.attach(ctx, h)
	case *forwarder.PacketInEvent:
		return n.learn(ctx, h, e)
	case *forwarder.DetachEvent:
		n.detach(h, e)
	default:
		return errors.Errorf("controller dispatch unknown event type: %T", ev)
	}
	return nil
}
