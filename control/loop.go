// Package control runs the rover's fixed-rate control loop. The loop is the only owner of the
// mode machine, the motion controller, the odometry and the motor bus sender; transports
// reach it through a CommandQueue and observe it through a telemetry broadcaster.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/rover/attachment"
	"go.viam.com/rover/canbus"
	"go.viam.com/rover/components/base/skidsteer"
	"go.viam.com/rover/components/motor/vesc"
	"go.viam.com/rover/components/movementsensor/wheelodometry"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/mode"
	"go.viam.com/rover/telemetry"
	"go.viam.com/rover/utils"
	"go.viam.com/rover/watchdog"
	"go.viam.com/rover/wire"
)

const (
	maxCommandsPerTick = 256
	maxFramesPerTick   = 1024
	frameBuffer        = 1024
	// statsWindow is how many tick intervals are summarized per debug log line.
	statsWindow       = 500
	attachmentTimeout = 5 * time.Second
	releaseTimeout    = 100 * time.Millisecond
)

// Config holds everything the loop needs besides its collaborators.
type Config struct {
	Period         time.Duration
	CommandTimeout time.Duration
	// StatusTimeout faults a driving rover when a controller that has reported stops
	// reporting for this long. Zero disables the check.
	StatusTimeout time.Duration
	BrakeCurrent  float64
	Chassis       skidsteer.Params
	Limits        skidsteer.Limits
	Drivetrain    vesc.DrivetrainConfig
	Clock         clock.Clock
}

// Loop is the fixed-rate control task.
type Loop struct {
	cfg       Config
	bus       canbus.Bus
	commands  *CommandQueue
	frames    chan canbus.Frame
	telemetry *telemetry.Broadcaster
	logger    logging.Logger

	machine     *mode.Machine
	motion      *skidsteer.Controller
	watchdog    *watchdog.Watchdog
	drivetrain  *vesc.Drivetrain
	odometry    *wheelodometry.Odometry
	attachments *attachment.Table

	target      skidsteer.Twist
	applied     skidsteer.Twist
	tool        *attachment.Command
	sendFailing bool
	slotCount   int

	lastTick  time.Time
	intervals []float64

	mu      sync.Mutex
	workers utils.StoppableWorkers
}

// NewLoop builds a loop in Disabled. Nothing runs until Start.
func NewLoop(
	cfg Config,
	bus canbus.Bus,
	commands *CommandQueue,
	source *telemetry.Broadcaster,
	logger logging.Logger,
) (*Loop, error) {
	if cfg.Period <= 0 {
		return nil, errors.New("control period must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if err := cfg.Chassis.Validate("chassis"); err != nil {
		return nil, err
	}
	drivetrain, err := vesc.NewDrivetrain(cfg.Drivetrain, cfg.Clock)
	if err != nil {
		return nil, errors.Wrap(err, "drivetrain")
	}
	odometry, err := wheelodometry.New(cfg.Chassis, cfg.Drivetrain.PolePairs)
	if err != nil {
		return nil, errors.Wrap(err, "odometry")
	}
	l := &Loop{
		cfg:         cfg,
		bus:         bus,
		commands:    commands,
		frames:      make(chan canbus.Frame, frameBuffer),
		telemetry:   source,
		logger:      logger,
		machine:     mode.NewMachine(),
		motion:      skidsteer.NewController(cfg.Chassis, cfg.Limits, cfg.Clock),
		watchdog:    watchdog.New(cfg.CommandTimeout, cfg.Clock),
		drivetrain:  drivetrain,
		odometry:    odometry,
		attachments: attachment.NewTable(cfg.Clock),
	}
	metrics.Mode.Set(float64(l.machine.Mode()))
	return l, nil
}

// Start launches the tick task and the bus receive pump. It is a no-op when already started.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers != nil {
		return
	}
	busLogger := l.logger.Sublogger("bus")
	l.workers = utils.NewStoppableWorkers(
		func(ctx context.Context) {
			canbus.Pump(ctx, l.bus, l.frames, busLogger)
		},
		l.run,
	)
}

// Close stops the loop and releases the motors. The bus itself is left open for its owner
// to close.
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	workers := l.workers
	l.workers = nil
	l.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}

	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	return errors.Wrap(l.drivetrain.SetCurrent(ctx, l.bus, 0), "releasing motors")
}

func (l *Loop) run(ctx context.Context) {
	ticker := l.cfg.Clock.Ticker(l.cfg.Period)
	defer ticker.Stop()
	l.logger.Infow("control loop started", "period", l.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l.Tick(ctx)
	}
}

// Tick runs one control cycle: ingest bus status, apply queued commands, enforce timeouts,
// actuate, integrate odometry and publish telemetry.
func (l *Loop) Tick(ctx context.Context) {
	start := l.cfg.Clock.Now()
	l.recordInterval(start)

	l.ingest()
	for _, cmd := range l.commands.drain(maxCommandsPerTick) {
		l.apply(cmd)
	}
	l.checkTimeouts(start)
	l.actuate(ctx)
	l.integrate()
	l.publish(start)

	elapsed := l.cfg.Clock.Since(start)
	metrics.TickDuration.Observe(elapsed.Seconds())
	if elapsed > l.cfg.Period {
		metrics.TickOverruns.Inc()
		l.logger.Debugw("tick overran", "elapsed", elapsed, "period", l.cfg.Period)
	}
}

func (l *Loop) ingest() {
	for _, f := range canbus.Drain(l.frames, maxFramesPerTick) {
		metrics.BusFramesReceived.Inc()
		if l.attachments.Process(f) {
			continue
		}
		l.drivetrain.Process(f)
	}

	for _, a := range l.attachments.Expire(attachmentTimeout) {
		l.logger.Infow("attachment lost", "slot", a.Slot, "kind", a.Kind)
	}
	slots := l.attachments.Slots()
	if len(slots) != l.slotCount {
		l.slotCount = len(slots)
		for _, a := range slots {
			l.logger.Infow("attachment present", "slot", a.Slot, "kind", a.Kind, "version", a.Version)
		}
	}

	// A faulted tool stops a moving rover regardless of what the operator is sending.
	if faulted, ok := lo.Find(slots, func(a attachment.Attachment) bool { return a.Fault }); ok && l.machine.IsDriving() {
		from := l.machine.Mode()
		if l.machine.ForceEStop() {
			l.logger.Errorw("attachment reported a fault", "slot", faulted.Slot, "kind", faulted.Kind)
			l.transitioned(from, mode.EStop, "attachment fault")
		}
	}
}

func (l *Loop) apply(cmd wire.Command) {
	metrics.CommandsReceived.WithLabelValues(wire.CommandName(cmd)).Inc()
	switch c := cmd.(type) {
	case wire.TwistCommand:
		if l.machine.Mode() == mode.Idle {
			l.handle(mode.TeleopCommand)
		}
		if !l.machine.IsDriving() {
			l.logger.Debugw("ignoring twist", "mode", l.machine.Mode())
			return
		}
		l.target = skidsteer.Twist{Linear: c.Linear, Angular: c.Angular, Boost: c.Boost}
		l.watchdog.Feed()
	case wire.SetModeCommand:
		l.setMode(c.Mode)
	case wire.EStopCommand:
		l.handle(mode.EStopEvent)
	case wire.EStopReleaseCommand:
		l.handle(mode.EStopRelease)
	case wire.HeartbeatCommand:
		// liveness only; the watchdog is fed by motion commands alone
	case wire.ToolCommand:
		switch l.machine.Mode() {
		case mode.Idle, mode.Teleop, mode.Autonomous:
			l.tool = &attachment.Command{
				Axis:    float64(c.Axis),
				Motor:   float64(c.Motor),
				ActionA: c.ActionA,
				ActionB: c.ActionB,
			}
		case mode.Disabled, mode.EStop, mode.Fault:
			l.logger.Debugw("ignoring tool command", "mode", l.machine.Mode())
		}
	}
}

func (l *Loop) setMode(want mode.Mode) {
	current := l.machine.Mode()
	switch want {
	case mode.Disabled:
		if current == mode.Fault {
			l.handle(mode.FaultClear)
			return
		}
		l.handle(mode.Disable)
	case mode.Idle:
		switch current {
		case mode.Disabled:
			l.handle(mode.Enable)
		case mode.Autonomous:
			l.handle(mode.AutonomousEnd)
		case mode.Idle, mode.Teleop, mode.EStop, mode.Fault:
		}
	case mode.Teleop:
		l.handle(mode.TeleopCommand)
	case mode.Autonomous:
		l.handle(mode.AutonomousRequest)
	case mode.EStop, mode.Fault:
		l.logger.Debugw("mode cannot be requested", "mode", want)
	}
}

func (l *Loop) handle(ev mode.Event) {
	from := l.machine.Mode()
	if to, changed := l.machine.Handle(ev); changed {
		l.transitioned(from, to, ev.String())
	}
}

func (l *Loop) transitioned(from, to mode.Mode, cause string) {
	metrics.ModeTransitions.WithLabelValues(from.String(), to.String()).Inc()
	metrics.Mode.Set(float64(to))
	if to == mode.EStop || to == mode.Fault {
		l.logger.Warnw("mode changed", "from", from, "to", to, "cause", cause)
	} else {
		l.logger.Infow("mode changed", "from", from, "to", to, "cause", cause)
	}

	// A fresh driving mode gets one full command timeout before the watchdog can fire.
	if to.IsDriving() && !from.IsDriving() {
		l.watchdog.Feed()
	}
	if !to.IsDriving() {
		l.target = skidsteer.Twist{}
		l.motion.Reset()
	}
	if from == mode.EStop {
		l.motion.Reset()
		l.watchdog.Reset()
	}
}

func (l *Loop) checkTimeouts(now time.Time) {
	if !l.machine.IsDriving() {
		return
	}
	if l.watchdog.IsTimedOut() {
		l.handle(mode.CommandTimeout)
		return
	}
	if l.cfg.StatusTimeout <= 0 {
		return
	}
	for i, s := range l.drivetrain.States() {
		if !s.Updated.IsZero() && s.Stale(now, l.cfg.StatusTimeout) {
			l.logger.Errorw("motor controller stopped reporting", "wheel", vesc.Wheel(i), "last_status", s.Updated)
			l.handle(mode.FaultEvent)
			return
		}
	}
}

func (l *Loop) actuate(ctx context.Context) {
	var err error
	switch current := l.machine.Mode(); {
	case current.IsDriving():
		var wheels skidsteer.WheelVelocities
		wheels, l.applied = l.motion.Compute(l.target)
		err = l.drivetrain.SetRPM(ctx, l.bus, wheels.RPM())
	case current == mode.EStop:
		l.applied = skidsteer.Twist{}
		err = l.drivetrain.SetCurrentBrake(ctx, l.bus, l.cfg.BrakeCurrent)
	default:
		l.applied = skidsteer.Twist{}
		err = l.drivetrain.SetCurrent(ctx, l.bus, 0)
	}

	if l.tool != nil {
		if f, ok := l.attachments.CommandFrame(*l.tool); ok {
			if sendErr := l.bus.Send(ctx, f); sendErr != nil {
				err = multierr.Append(err, errors.Wrap(sendErr, "attachment"))
			} else {
				l.tool = nil
			}
		} else {
			l.logger.Debug("dropping tool command with no attachment present")
			l.tool = nil
		}
	}
	l.reportSend(err)
}

// reportSend counts failed frames. Undelivered commands are simply recomputed and resent on
// the next tick.
func (l *Loop) reportSend(err error) {
	if err == nil {
		if l.sendFailing {
			l.logger.Info("motor bus sends recovered")
			l.sendFailing = false
		}
		return
	}
	metrics.BusSendErrors.Add(float64(len(multierr.Errors(err))))
	if !l.sendFailing {
		l.logger.Warnw("motor bus send failed, retrying next tick", "error", err)
		l.sendFailing = true
		return
	}
	l.logger.Debugw("motor bus send failed", "error", err)
}

func (l *Loop) integrate() {
	tach, ok := l.drivetrain.Tachometers()
	if !ok {
		return
	}
	l.odometry.Update(tach)
}

func (l *Loop) publish(now time.Time) {
	states := l.drivetrain.States()
	temps := make([]float64, len(states))
	currents := make([]float64, len(states))
	for i, s := range states {
		temps[i] = s.MotorTemp
		currents[i] = s.Current
	}
	volts, _ := l.drivetrain.InputVoltage()
	l.telemetry.Publish(wire.Telemetry{
		Mode:            l.machine.Mode(),
		Pose:            l.odometry.Pose(),
		BatteryVoltage:  volts,
		TimestampMS:     uint64(now.UnixMilli()),
		LinearVelocity:  l.applied.Linear,
		AngularVelocity: l.applied.Angular,
		MotorTemps:      temps,
		MotorCurrents:   currents,
	})
}

func (l *Loop) recordInterval(now time.Time) {
	if !l.lastTick.IsZero() {
		l.intervals = append(l.intervals, float64(now.Sub(l.lastTick))/float64(time.Millisecond))
	}
	l.lastTick = now
	if len(l.intervals) < statsWindow {
		return
	}
	mean, std := stat.MeanStdDev(l.intervals, nil)
	l.logger.Debugw("tick intervals", "mean_ms", mean, "stddev_ms", std, "samples", len(l.intervals))
	l.intervals = l.intervals[:0]
}
