package main

import (
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
	"github.com/simpleswitch/go-ss2/internal/service"
	"github.com/simpleswitch/go-ss2/pkg/factory"
)

var SS2 *service.SS2App

func main() {
	defer func() {
		if p := recover(); p != nil {
			// Print stack for panic to log. Fatalf() will let program exit.
			logger.MainLog.Fatalf("panic: %v\n%s", p, string(debug.Stack()))
		}
	}()

	app := cli.NewApp()
	app.Name = "ss2"
	app.Usage = "L2 learning switch controller"
	app.Action = action
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "log-level, l",
			Usage: "Override the configured log level",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "dump",
			Usage:  "Print the rule ops that provision a datapath",
			Action: dumpAction,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "Load configuration from `FILE`",
				},
				cli.UintFlag{
					Name:  "port",
					Usage: "Also print the ops learning --mac at `PORT`",
				},
				cli.StringFlag{
					Name:  "mac",
					Usage: "Host `MAC` to learn",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.MainLog.Errorf("SS2 Run Error: %v\n", err)
		os.Exit(1)
	}
}

func action(cliCtx *cli.Context) error {
	cfg, err := factory.ReadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}
	factory.SS2Config = cfg

	ss2, err := service.NewApp(cfg)
	if err != nil {
		return err
	}
	if level := cliCtx.String("log-level"); level != "" {
		ss2.SetLogLevel(level)
	}
	SS2 = ss2

	cfg.Print()
	return ss2.Run()
}

func dumpAction(cliCtx *cli.Context) error {
	logger.SetLogLevel("warn")
	cfg, err := factory.ReadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}

	var host *service.Learn
	if mac := cliCtx.String("mac"); mac != "" {
		if !cliCtx.IsSet("port") {
			return errors.New("--mac needs --port")
		}
		m, err := flow.ParseMAC(mac)
		if err != nil {
			return err
		}
		host = &service.Learn{Port: flow.PortNo(cliCtx.Uint("port")), MAC: m}
	}
	return service.Dump(cfg, cliCtx.App.Writer, host)
}
