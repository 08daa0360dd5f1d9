// Package main runs the rover: control loop, motor bus and operator transports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"go.viam.com/rover/config"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/web/server"
)

const (
	flagConfig      = "config"
	flagDebug       = "debug"
	flagBus         = "bus"
	flagUDPPort     = "udp-port"
	flagWSPort      = "ws-port"
	flagMediaPort   = "media-port"
	flagMetricsPort = "metrics-port"
)

func main() {
	logger := logging.NewLogger("rover")
	app := &cli.App{
		Name:  "rover",
		Usage: "run the rover control loop and operator transports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagBus,
				Usage: "motor bus kind: " + config.BusSim + ", " + config.BusSocketCAN + " or " + config.BusSLCAN,
			},
			&cli.IntFlag{Name: flagUDPPort, Usage: "datagram operator port"},
			&cli.IntFlag{Name: flagWSPort, Usage: "websocket operator port"},
			&cli.IntFlag{Name: flagMediaPort, Usage: "websocket media port"},
			&cli.IntFlag{Name: flagMetricsPort, Usage: "prometheus metrics port, 0 disables"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.RunServer(ctx, argumentsFromContext(c), logger)
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		logger.Error(err)
		//nolint:errcheck
		logger.Sync()
		os.Exit(1)
	}
}

func argumentsFromContext(c *cli.Context) server.Arguments {
	args := server.Arguments{
		ConfigFile: c.String(flagConfig),
		Debug:      c.Bool(flagDebug),
	}
	if c.IsSet(flagBus) {
		args.Bus = lo.ToPtr(c.String(flagBus))
	}
	intFlags := map[string]**int{
		flagUDPPort:     &args.UDPPort,
		flagWSPort:      &args.WSPort,
		flagMediaPort:   &args.MediaPort,
		flagMetricsPort: &args.MetricsPort,
	}
	for name, dst := range intFlags {
		if c.IsSet(name) {
			*dst = lo.ToPtr(c.Int(name))
		}
	}
	return args
}
