// Package controller hosts the engine: it opens a driver per configured
// datapath and feeds each datapath's notifications to the engine in order.
package controller

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/forwarder"
	"github.com/simpleswitch/go-ss2/internal/logger"
	"github.com/simpleswitch/go-ss2/pkg/factory"
)

// Handler consumes datapath notifications. *engine.Engine implements it.
type Handler interface {
	OnAttach(ctx context.Context, id flow.DatapathID) error
	OnDetach(id flow.DatapathID)
	OnFrame(ctx context.Context, id flow.DatapathID, inPort flow.PortNo, frame []byte) error
}

// DriverFactory opens the driver of one datapath.
type DriverFactory func(ctx context.Context, wg *sync.WaitGroup, cfg *factory.Config, dp factory.Datapath) (forwarder.Driver, error)

type Server struct {
	cfg  *factory.Config
	open DriverFactory

	mu    sync.RWMutex
	nodes map[flow.DatapathID]*Node
	log   *logrus.Entry
}

type Option func(*Server)

func WithDriverFactory(f DriverFactory) Option {
	return func(s *Server) {
		s.open = f
	}
}

func NewServer(cfg *factory.Config, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		open:  forwarder.NewDriver,
		nodes: make(map[flow.DatapathID]*Node),
		log:   logger.CtrlLog,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens every configured datapath and starts one node goroutine per
// datapath. If any driver fails to open, the ones already open are closed.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup, h Handler) error {
	s.log.Infoln("starting controller")

	s.mu.Lock()
	for _, dp := range s.cfg.Datapaths {
		driver, err := s.open(ctx, wg, s.cfg, dp)
		if err != nil {
			s.mu.Unlock()
			s.Stop()
			return errors.Wrapf(err, "datapath %d", dp.ID)
		}
		s.nodes[flow.DatapathID(dp.ID)] = s.NewNode(dp, driver)
	}
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	for _, n := range nodes {
		wg.Add(1)
		go n.main(ctx, wg, h)
	}
	s.log.Infof("controller started with %d datapaths", len(nodes))
	return nil
}

func (s *Server) NewNode(dp factory.Datapath, driver forwarder.Driver) *Node {
	id := flow.DatapathID(dp.ID)
	log := s.log.WithField(logger.FieldDatapath, id.String())
	if dp.Addr != "" {
		log = log.WithField(logger.FieldAddr, dp.Addr)
	}
	n := &Node{
		ID:     id,
		Addr:   dp.Addr,
		driver: driver,
		log:    log,
	}
	n.log.Infoln("New node")
	return n
}

// Node returns the node of a configured datapath.
func (s *Server) Node(id flow.DatapathID) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Apply routes ops to the driver of datapath id.
func (s *Server) Apply(ctx context.Context, id flow.DatapathID, ops []flow.Op) error {
	n, ok := s.Node(id)
	if !ok {
		return errors.Errorf("unknown datapath %s", id)
	}
	return n.driver.Apply(ctx, ops)
}

// Stop closes every driver; node goroutines end when their event channel
// closes.
func (s *Server) Stop() {
	s.log.Infoln("Stopping controller")
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		n.driver.Close()
	}
}
