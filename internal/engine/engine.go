// Package engine drives datapath provisioning and host learning.
package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/hostcache"
	"github.com/simpleswitch/go-ss2/internal/logger"
)

const lldpEthType uint16 = 0x88cc

// Transport applies ops to one datapath strictly in order, completing every
// op before a Barrier before starting any op after it.
type Transport interface {
	Apply(ctx context.Context, dp flow.DatapathID, ops []flow.Op) error
}

type State int

const (
	Unattached State = iota
	Provisioning
	SteadyState
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "Unattached"
	case Provisioning:
		return "Provisioning"
	case SteadyState:
		return "SteadyState"
	}
	return "Unknown"
}

// PacketIn is a packet punted to the controller. EtherType is optional.
type PacketIn struct {
	Datapath  flow.DatapathID
	InPort    flow.PortNo
	SrcMAC    flow.MAC
	EtherType *uint16
}

type datapath struct {
	mu    sync.Mutex
	id    flow.DatapathID
	state State
	log   *logrus.Entry
}

// Engine serialises notifications of one datapath and lets different
// datapaths proceed in parallel.
type Engine struct {
	compiler *flow.Compiler
	hosts    *hostcache.Cache
	tr       Transport
	metrics  *Metrics

	mu  sync.Mutex
	dps map[flow.DatapathID]*datapath
	log *logrus.Entry
}

type Option func(*Engine)

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(compiler *flow.Compiler, hosts *hostcache.Cache, tr Transport, opts ...Option) *Engine {
	e := &Engine{
		compiler: compiler,
		hosts:    hosts,
		tr:       tr,
		dps:      make(map[flow.DatapathID]*datapath),
		log:      logger.EngineLog,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) datapath(id flow.DatapathID, create bool) *datapath {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.dps[id]
	if !ok && create {
		d = &datapath{
			id:  id,
			log: e.log.WithField(logger.FieldDatapath, id.String()),
		}
		e.dps[id] = d
	}
	return d
}

func (e *Engine) State(id flow.DatapathID) State {
	d := e.datapath(id, false)
	if d == nil {
		return Unattached
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OnAttach provisions a datapath from scratch: it deletes every entry this
// controller owns, then installs the default pipeline. Attaching again is
// always safe and yields the same end state.
func (e *Engine) OnAttach(ctx context.Context, id flow.DatapathID) error {
	d := e.datapath(id, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Infof("Attach in state %s", d.state)
	e.setState(d, Provisioning)
	if n := e.hosts.ForgetDatapath(id); n > 0 {
		d.log.Debugf("Forgot %d cached hosts", n)
	}

	ops := e.compiler.CleanAll()
	ops = append(ops, e.compiler.DefaultPipeline()...)
	if err := e.apply(ctx, d, ops); err != nil {
		return err
	}

	e.setState(d, SteadyState)
	d.log.Infof("Provisioned %d ops", len(ops))
	return nil
}

// OnDetach returns the datapath to Unattached.
func (e *Engine) OnDetach(id flow.DatapathID) {
	d := e.datapath(id, false)
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	e.setState(d, Unattached)
	e.hosts.ForgetDatapath(id)
	d.log.Infoln("Detached")
}

// OnFrame decodes a punted frame and handles it as a packet arrival. Frames
// without a usable Ethernet header are dropped.
func (e *Engine) OnFrame(ctx context.Context, id flow.DatapathID, inPort flow.PortNo, frame []byte) error {
	pkt, err := DecodeFrame(id, inPort, frame)
	if err != nil {
		e.log.WithField(logger.FieldDatapath, id.String()).Debugf("Drop packet-in: %v", err)
		e.metrics.ignore(id, "malformed")
		return nil
	}
	return e.OnPacketArrival(ctx, pkt)
}

// OnPacketArrival learns the packet's source at its ingress port unless the
// host cache has seen the same triple within its window. Only transport
// failures are returned.
func (e *Engine) OnPacketArrival(ctx context.Context, pkt PacketIn) error {
	if reason, err := e.screen(pkt); err != nil || reason != "" {
		if err != nil {
			e.log.WithField(logger.FieldDatapath, pkt.Datapath.String()).Debugf("Drop packet-in: %v", err)
			reason = "malformed"
		}
		e.metrics.ignore(pkt.Datapath, reason)
		return nil
	}

	d := e.datapath(pkt.Datapath, false)
	if d == nil {
		e.metrics.ignore(pkt.Datapath, "unattached")
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != SteadyState {
		d.log.Debugf("Ignore packet-in from %s in state %s", pkt.SrcMAC, d.state)
		e.metrics.ignore(pkt.Datapath, "not_steady")
		return nil
	}

	if !e.hosts.Observe(pkt.Datapath, pkt.InPort, pkt.SrcMAC) {
		e.metrics.suppress(pkt.Datapath)
		return nil
	}

	d.log.Infof("Learn %s at port %s", pkt.SrcMAC, pkt.InPort)
	if err := e.apply(ctx, d, e.compiler.LearnHost(pkt.InPort, pkt.SrcMAC)); err != nil {
		return err
	}
	e.metrics.learn(pkt.Datapath)
	return nil
}

// screen rejects arrivals that must never be learned. A non-empty reason
// means a well-formed packet that is deliberately skipped.
func (e *Engine) screen(pkt PacketIn) (string, error) {
	switch {
	case pkt.SrcMAC.IsZero():
		return "", errors.Wrap(ErrMalformedNotification, "zero source address")
	case pkt.InPort == 0 || pkt.InPort.Reserved():
		return "", errors.Wrapf(ErrMalformedNotification, "ingress port %s", pkt.InPort)
	case pkt.SrcMAC.IsGroup():
		return "group_source", nil
	case pkt.EtherType != nil && *pkt.EtherType == lldpEthType:
		return "lldp", nil
	}
	return "", nil
}

// apply hands ops to the transport. On failure the datapath needs
// provisioning again before it learns.
func (e *Engine) apply(ctx context.Context, d *datapath, ops []flow.Op) error {
	if err := e.tr.Apply(ctx, d.id, ops); err != nil {
		e.setState(d, Provisioning)
		e.metrics.transportFailure(d.id)
		d.log.Errorf("Apply %d ops: %+v", len(ops), err)
		return &TransportError{Datapath: d.id, Err: err}
	}
	e.metrics.applied(d.id, ops)
	return nil
}

func (e *Engine) setState(d *datapath, s State) {
	d.state = s
	e.metrics.state(d.id, s)
}
