package service

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simpleswitch/go-ss2/internal/controller"
	"github.com/simpleswitch/go-ss2/internal/engine"
	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/hostcache"
	"github.com/simpleswitch/go-ss2/internal/logger"
	"github.com/simpleswitch/go-ss2/pkg/factory"
)

const metricsShutdownTimeout = 5 * time.Second

type SS2App struct {
	cfg      *factory.Config
	ctrlOpts []controller.Option

	mu          sync.Mutex
	srv         *controller.Server
	metricsSrv  *http.Server
	metricsAddr net.Addr
}

func NewApp(cfg *factory.Config, opts ...controller.Option) (*SS2App, error) {
	if cfg.Logger == nil {
		return nil, errors.Wrap(flow.ErrInvalidConfiguration, "no logger config")
	}
	ss2 := &SS2App{
		cfg:      cfg,
		ctrlOpts: opts,
	}
	ss2.SetLogLevel(cfg.Logger.Level)
	ss2.SetReportCaller(cfg.Logger.ReportCaller)
	return ss2, nil
}

func (a *SS2App) Config() *factory.Config {
	return a.cfg
}

func (a *SS2App) SetLogLevel(level string) {
	logger.SetLogLevel(level)
}

func (a *SS2App) SetReportCaller(reportCaller bool) {
	logger.SetReportCaller(reportCaller)
}

// Run starts the controller and blocks until SIGINT or SIGTERM.
func (a *SS2App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.MainLog.Infof("Received signal %s", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return a.Start(ctx)
}

// Start runs the controller until ctx ends and every goroutine it started
// has stopped.
func (a *SS2App) Start(ctx context.Context) error {
	policy, err := a.cfg.Policy()
	if err != nil {
		return err
	}
	compiler, err := flow.NewCompiler(policy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := engine.NewMetrics(reg)

	var wg sync.WaitGroup
	srv := controller.NewServer(a.cfg, a.ctrlOpts...)
	eng := engine.New(compiler, hostcache.New(policy.CacheTimeout), srv, engine.WithMetrics(metrics))

	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	if a.cfg.Metrics != nil && a.cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(&wg, reg); err != nil {
			return err
		}
	}

	if err := srv.Start(ctx, &wg, eng); err != nil {
		a.Terminate()
		wg.Wait()
		return err
	}
	logger.MainLog.Infoln("SS2 started")

	<-ctx.Done()
	a.Terminate()
	wg.Wait()
	logger.MainLog.Infoln("SS2 terminated")
	return nil
}

func (a *SS2App) serveMetrics(wg *sync.WaitGroup, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen metrics %s", a.cfg.Metrics.Addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.metricsSrv = s
	a.metricsAddr = ln.Addr()
	a.mu.Unlock()

	log := logger.MainLog.WithField(logger.FieldAddr, ln.Addr().String())
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infoln("serving metrics")
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server: %+v", err)
		}
	}()
	return nil
}

// MetricsAddr is the address the metrics endpoint listens on, nil before
// it started.
func (a *SS2App) MetricsAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsAddr
}

func (a *SS2App) Terminate() {
	logger.MainLog.Infof("Terminating SS2...")
	a.mu.Lock()
	srv, metricsSrv := a.srv, a.metricsSrv
	a.mu.Unlock()

	if srv != nil {
		srv.Stop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.MainLog.Errorf("Stop metrics server: %+v", err)
		}
	}
}
