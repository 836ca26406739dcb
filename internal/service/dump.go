package service

import (
	"context"
	"fmt"
	"io"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/forwarder"
	"github.com/simpleswitch/go-ss2/pkg/factory"
)

// Learn names a host to compile in addition to the default pipeline.
type Learn struct {
	Port flow.PortNo
	MAC  flow.MAC
}

// Dump writes the ops that provision a datapath, followed by the ops that
// learn host if given, one op per line.
func Dump(cfg *factory.Config, w io.Writer, host *Learn) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	compiler, err := flow.NewCompiler(policy)
	if err != nil {
		return err
	}

	ops := append(compiler.CleanAll(), compiler.DefaultPipeline()...)
	if host != nil {
		ops = append(ops, compiler.LearnHost(host.Port, host.MAC)...)
	}

	// recorded through a log driver so the output is what a datapath receives
	driver := forwarder.NewLogDriver(0)
	defer driver.Close()
	if err := driver.Apply(context.Background(), ops); err != nil {
		return err
	}
	for _, op := range driver.Ops() {
		if _, err := fmt.Fprintln(w, op); err != nil {
			return err
		}
	}
	return nil
}
