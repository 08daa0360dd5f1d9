// Package server implements the entry point for running the rover: it opens the motor bus,
// starts the control loop and serves the operator transports, telemetry sinks and metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/canbus/sim"
	"go.viam.com/rover/canbus/slcan"
	"go.viam.com/rover/canbus/socketcan"
	"go.viam.com/rover/config"
	"go.viam.com/rover/control"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/operator"
	"go.viam.com/rover/telemetry"
	"go.viam.com/rover/utils"
)

const closeTimeout = 2 * time.Second

// Arguments are the command line options. Nil overrides leave the config file's value.
type Arguments struct {
	ConfigFile  string
	Debug       bool
	Bus         *string
	UDPPort     *int
	WSPort      *int
	MediaPort   *int
	MetricsPort *int
}

func (args Arguments) apply(cfg *config.Config) {
	if args.Bus != nil {
		cfg.Bus.Kind = *args.Bus
	}
	if args.UDPPort != nil {
		cfg.Network.UDPPort = *args.UDPPort
	}
	if args.WSPort != nil {
		cfg.Network.WSPort = *args.WSPort
	}
	if args.MediaPort != nil {
		cfg.Network.MediaPort = *args.MediaPort
	}
	if args.MetricsPort != nil {
		cfg.Metrics.Port = *args.MetricsPort
	}
}

// RunServer reads the config, applies the command line overrides and runs the rover until
// ctx is done.
func RunServer(ctx context.Context, args Arguments, logger logging.Logger) error {
	if args.Debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg := lo.ToPtr(config.Default())
	if args.ConfigFile != "" {
		var err error
		if cfg, err = config.Read(args.ConfigFile); err != nil {
			return err
		}
	}
	args.apply(cfg)
	if err := cfg.Validate(""); err != nil {
		return err
	}
	logger.Infow("starting rover", "id", cfg.Robot.ID, "bus", cfg.Bus.Kind, "config", cfg.ConfigFilePath)

	rover, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	err = rover.Run(ctx)
	if err != nil {
		logger.Errorw("error running rover", "error", err)
	}
	return err
}

// Rover is every long-lived part of a running rover. Open binds every listener up front so
// that bind failures are reported before anything moves.
type Rover struct {
	cfg    *config.Config
	logger logging.Logger

	bus    canbus.Bus
	queue  *control.CommandQueue
	source *telemetry.Broadcaster
	loop   *control.Loop

	udpConn  *net.UDPConn
	wsLn     net.Listener
	mediaLn  net.Listener
	metricLn net.Listener

	datagram *operator.DatagramServer
	stream   *operator.StreamServer
	media    *operator.MediaServer
}

// Open builds a rover from a validated config.
func Open(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Rover, error) {
	r := &Rover{cfg: cfg, logger: logger}
	if err := r.open(ctx); err != nil {
		return nil, multierr.Combine(err, r.closeResources())
	}
	return r, nil
}

func (r *Rover) open(ctx context.Context) (err error) {
	cfg, logger := r.cfg, r.logger

	if r.bus, err = openBus(ctx, cfg, logger.Sublogger("bus")); err != nil {
		return err
	}
	r.queue = control.NewCommandQueue(cfg.Control.CommandQueueSize)
	r.source = telemetry.NewBroadcaster()
	r.loop, err = control.NewLoop(control.Config{
		Period:         cfg.Control.Period(),
		CommandTimeout: cfg.Control.CommandTimeout,
		StatusTimeout:  cfg.Control.StatusTimeout,
		BrakeCurrent:   cfg.Drivetrain.BrakeCurrent,
		Chassis:        cfg.Chassis,
		Limits:         cfg.Limits,
		Drivetrain:     cfg.Drivetrain.DrivetrainConfig,
	}, r.bus, r.queue, r.source, logger.Sublogger("control"))
	if err != nil {
		return err
	}

	if r.udpConn, err = net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Network.UDPPort}); err != nil {
		return errors.Wrap(err, "binding datagram port")
	}
	if r.wsLn, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Network.WSPort)); err != nil {
		return errors.Wrap(err, "binding stream port")
	}
	if r.mediaLn, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Network.MediaPort)); err != nil {
		return errors.Wrap(err, "binding media port")
	}
	if cfg.Metrics.Port != 0 {
		if r.metricLn, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Metrics.Port)); err != nil {
			return errors.Wrap(err, "binding metrics port")
		}
	}

	r.datagram = operator.NewDatagramServer(r.udpConn, operator.DatagramConfig{
		TelemetryInterval: cfg.Network.UDPTelemetryInterval,
		ConnectionTimeout: cfg.Network.UDPConnectionTimeout,
	}, r.queue, r.source, logger.Sublogger("operator.udp"))
	r.stream = operator.NewStreamServer(operator.StreamConfig{
		HeartbeatInterval: cfg.Network.WSHeartbeatInterval,
	}, r.queue, r.source, logger.Sublogger("operator.ws"))
	r.media = operator.NewMediaServer(cfg.Network.MediaMaxFPS, logger.Sublogger("operator.media"))
	return nil
}

func openBus(ctx context.Context, cfg *config.Config, logger logging.Logger) (canbus.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusSim:
		dt := cfg.Drivetrain
		bus, err := sim.New(sim.Config{
			ControllerIDs: []uint8{dt.FrontLeft, dt.FrontRight, dt.RearLeft, dt.RearRight},
		}, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case config.BusSocketCAN:
		bus, err := socketcan.Open(ctx, cfg.Bus.Interface, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case config.BusSLCAN:
		bus, err := slcan.Open(slcan.Config{
			Path:    cfg.Bus.SerialPath,
			Baud:    cfg.Bus.SerialBaud,
			Bitrate: cfg.Bus.Bitrate,
		}, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	}
	return nil, errors.Errorf("unknown bus kind %q", cfg.Bus.Kind)
}

// Addrs reports where the operator transports are listening.
func (r *Rover) Addrs() (udp, stream, media net.Addr) {
	return r.udpConn.LocalAddr(), r.wsLn.Addr(), r.mediaLn.Addr()
}

// Media is where camera frames are published for media clients.
func (r *Rover) Media() *operator.MediaServer {
	return r.media
}

// Run starts the control loop and serves until ctx is done or a transport fails, then
// releases the motors and closes the bus.
func (r *Rover) Run(ctx context.Context) (err error) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = multierr.Combine(err, r.loop.Close(closeCtx), r.closeResources())
	}()

	r.loop.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.datagram.Serve(gctx) })
	g.Go(func() error { return r.stream.Serve(gctx, r.wsLn) })
	g.Go(func() error { return r.media.Serve(gctx, r.mediaLn) })
	if r.metricLn != nil {
		g.Go(func() error { return metrics.Serve(gctx, r.metricLn, r.logger.Sublogger("metrics")) })
	}

	// Sinks are best effort; losing one never stops the rover.
	tcfg := r.cfg.Telemetry
	if tcfg.MQTTBroker != "" {
		sink := telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Broker:   tcfg.MQTTBroker,
			Topic:    tcfg.MQTTTopic,
			ClientID: "rover-" + r.cfg.Robot.ID,
			Interval: tcfg.PublishInterval,
		}, r.source, r.logger.Sublogger("telemetry.mqtt"))
		g.Go(func() error {
			r.logSinkExit("mqtt", sink.Run(gctx))
			return nil
		})
	}
	if tcfg.RedisAddr != "" {
		sink := telemetry.NewRedisSink(telemetry.RedisConfig{
			Addr:     tcfg.RedisAddr,
			RobotID:  r.cfg.Robot.ID,
			TTL:      tcfg.RedisTTL,
			Interval: tcfg.PublishInterval,
			Registration: map[string]interface{}{
				"id":         r.cfg.Robot.ID,
				"udp_port":   r.cfg.Network.UDPPort,
				"ws_port":    r.cfg.Network.WSPort,
				"media_port": r.cfg.Network.MediaPort,
				"started_at": time.Now().UTC().Format(time.RFC3339),
			},
		}, r.source, r.logger.Sublogger("telemetry.redis"))
		g.Go(func() error {
			r.logSinkExit("redis", sink.Run(gctx))
			return nil
		})
	}

	r.logger.Infow("rover running",
		"udp", r.udpConn.LocalAddr().String(),
		"ws", r.wsLn.Addr().String(),
		"media", r.mediaLn.Addr().String(),
	)

	waitErr := make(chan error, 1)
	goutils.PanicCapturingGo(func() { waitErr <- g.Wait() })
	<-gctx.Done()
	stopSlowLogger := utils.SlowLogger(context.Background(), "waiting for transports to stop", "rover", r.cfg.Robot.ID, r.logger)
	defer stopSlowLogger()
	return <-waitErr
}

func (r *Rover) logSinkExit(name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warnw("telemetry sink stopped", "sink", name, "error", err)
	}
}

// closeResources closes whatever Open managed to create. Listeners already closed by their
// servers report net.ErrClosed, which is ignored.
func (r *Rover) closeResources() error {
	var err error
	closeIgnoringClosed := func(c interface{ Close() error }) {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	if r.udpConn != nil {
		closeIgnoringClosed(r.udpConn)
	}
	for _, ln := range []net.Listener{r.wsLn, r.mediaLn, r.metricLn} {
		if ln != nil {
			closeIgnoringClosed(ln)
		}
	}
	if r.bus != nil {
		closeIgnoringClosed(r.bus)
	}
	return err
}
