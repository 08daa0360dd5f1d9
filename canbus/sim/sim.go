// Package sim implements an in-process CAN bus populated with simulated VESC controllers.
// It lets the control loop run end to end without hardware.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/components/motor/vesc"
	"go.viam.com/rover/logging"
)

const (
	defaultStatusInterval = 10 * time.Millisecond
	defaultInputVoltage   = 48.0
	defaultRxBuffer       = 256
	maxSentHistory        = 1024

	// tachTicksPerERev is how many tachometer counts a controller adds per electrical revolution.
	tachTicksPerERev = 6
	// maxERPM is the speed a duty cycle of 1.0 reaches.
	maxERPM = 60000
	// coastFactor is applied to the speed on every status tick while the motor is released.
	coastFactor = 0.9
	// ampsPerKERPM is a crude load model used to report a phase current.
	ampsPerKERPM = 0.5
)

// Config describes the simulated bus.
type Config struct {
	ControllerIDs  []uint8
	StatusInterval time.Duration
	InputVoltage   float64
	Clock          clock.Clock
}

// MotorState is the simulated physical state of one controller.
type MotorState struct {
	ID         uint8
	ERPM       float64
	Current    float64
	Duty       float64
	Braking    bool
	Tachometer int32

	tachFrac float64
}

type sendRequest struct {
	frame canbus.Frame
	reply chan error
}

// Bus is a canbus.Bus backed by a single goroutine that owns every simulated motor. Send and
// the query methods are messages to that goroutine.
type Bus struct {
	cfg    Config
	logger logging.Logger

	sends   chan sendRequest
	queries chan func(*world)
	rx      chan canbus.Frame

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

type world struct {
	motors    map[uint8]*MotorState
	order     []uint8
	sendErr   error
	failSends int
	sent      []canbus.Frame
	ticks     int
}

// New starts the simulated bus. Close stops it.
func New(cfg Config, logger logging.Logger) (*Bus, error) {
	if len(cfg.ControllerIDs) == 0 {
		return nil, errors.New("sim bus needs at least one controller id")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.InputVoltage <= 0 {
		cfg.InputVoltage = defaultInputVoltage
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	w := &world{motors: map[uint8]*MotorState{}}
	for _, id := range cfg.ControllerIDs {
		if _, ok := w.motors[id]; ok {
			return nil, errors.Errorf("duplicate controller id %d", id)
		}
		w.motors[id] = &MotorState{ID: id}
		w.order = append(w.order, id)
	}

	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		sends:   make(chan sendRequest),
		queries: make(chan func(*world)),
		rx:      make(chan canbus.Frame, defaultRxBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	// the ticker is created here so a mock clock sees it before the caller advances time
	ticker := cfg.Clock.Ticker(cfg.StatusInterval)
	go b.run(w, ticker)
	return b, nil
}

func (b *Bus) run(w *world, ticker *clock.Ticker) {
	defer close(b.stopped)
	defer ticker.Stop()
	last := b.cfg.Clock.Now()
	for {
		select {
		case <-b.done:
			return
		case req := <-b.sends:
			req.reply <- w.handle(req.frame, b.logger)
		case q := <-b.queries:
			q(w)
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			w.ticks++
			for _, id := range w.order {
				m := w.motors[id]
				m.advance(dt)
				for _, f := range m.statusFrames(b.cfg.InputVoltage) {
					b.emit(f)
				}
			}
		}
	}
}

func (w *world) handle(f canbus.Frame, logger logging.Logger) error {
	if w.failSends > 0 {
		w.failSends--
		return &canbus.Error{Op: "send", Err: w.sendErr}
	}
	w.sent = append(w.sent, f)
	if len(w.sent) > maxSentHistory {
		w.sent = w.sent[len(w.sent)-maxSentHistory:]
	}
	code, id, value, ok := vesc.CommandValue(f)
	if !ok {
		return nil
	}
	m, ok := w.motors[id]
	if !ok {
		logger.Debugw("command for unknown controller", "id", id)
		return nil
	}
	m.apply(code, value)
	return nil
}

func (m *MotorState) apply(code vesc.CommandCode, value int32) {
	m.Braking = false
	switch code {
	case vesc.CommandSetRPM:
		m.ERPM = float64(value)
		m.Duty = m.ERPM / maxERPM
	case vesc.CommandSetDuty:
		m.Duty = vesc.DutyFromCommand(value)
		m.ERPM = m.Duty * maxERPM
	case vesc.CommandSetCurrent:
		m.Current = vesc.CurrentFromCommand(value)
		m.Duty = 0
	case vesc.CommandSetCurrentBrake:
		m.Current = -vesc.CurrentFromCommand(value)
		m.Braking = true
		m.ERPM = 0
		m.Duty = 0
	case vesc.CommandSetPos:
	}
}

func (m *MotorState) advance(dt time.Duration) {
	if m.Duty == 0 && !m.Braking {
		m.ERPM *= coastFactor
		if m.ERPM < 1 && m.ERPM > -1 {
			m.ERPM = 0
		}
	}
	if m.Duty != 0 {
		m.Current = m.ERPM / 1000 * ampsPerKERPM
	}
	ticks := m.ERPM/60*dt.Seconds()*tachTicksPerERev + m.tachFrac
	whole := int32(math.Floor(ticks + 1e-9))
	m.tachFrac = ticks - float64(whole)
	m.Tachometer += whole
}

func (m *MotorState) statusFrames(inputVoltage float64) []canbus.Frame {
	erpm := int32(m.ERPM)
	return []canbus.Frame{
		vesc.Status1Frame(m.ID, erpm, m.Current, m.Duty),
		vesc.Status4Frame(m.ID, 30, 35, m.Current*m.Duty, 0),
		vesc.Status5Frame(m.ID, m.Tachometer, inputVoltage),
	}
}

// emit pushes a frame to receivers, dropping the oldest frame when nobody is reading.
func (b *Bus) emit(f canbus.Frame) {
	for {
		select {
		case b.rx <- f:
			return
		default:
		}
		select {
		case <-b.rx:
		default:
		}
	}
}

// Send delivers a frame to the simulated controllers.
func (b *Bus) Send(ctx context.Context, f canbus.Frame) error {
	if err := f.Validate(); err != nil {
		return canbus.WrapError("send", err)
	}
	req := sendRequest{frame: f, reply: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return canbus.WrapError("send", ctx.Err())
	case <-b.done:
		return canbus.WrapError("send", canbus.ErrClosed)
	case b.sends <- req:
	}
	select {
	case <-ctx.Done():
		return canbus.WrapError("send", ctx.Err())
	case err := <-req.reply:
		return err
	}
}

// Receive returns the next status frame emitted by a simulated controller.
func (b *Bus) Receive(ctx context.Context) (canbus.Frame, error) {
	select {
	case <-ctx.Done():
		return canbus.Frame{}, canbus.WrapError("receive", ctx.Err())
	case <-b.done:
		return canbus.Frame{}, canbus.WrapError("receive", canbus.ErrClosed)
	case f := <-b.rx:
		return f, nil
	}
}

// Inject queues an arbitrary frame for receivers, as if another node had sent it.
func (b *Bus) Inject(f canbus.Frame) {
	b.emit(f)
}

// FailNextSends makes the next n sends fail with err.
func (b *Bus) FailNextSends(ctx context.Context, n int, err error) error {
	return b.query(ctx, func(w *world) {
		w.failSends = n
		w.sendErr = err
	})
}

// Motors returns a snapshot of every simulated controller in configuration order.
func (b *Bus) Motors(ctx context.Context) ([]MotorState, error) {
	var out []MotorState
	err := b.query(ctx, func(w *world) {
		for _, id := range w.order {
			out = append(out, *w.motors[id])
		}
	})
	return out, err
}

// Sent returns and clears the frames accepted by Send since the last call.
func (b *Bus) Sent(ctx context.Context) ([]canbus.Frame, error) {
	var out []canbus.Frame
	err := b.query(ctx, func(w *world) {
		out = w.sent
		w.sent = nil
	})
	return out, err
}

func (b *Bus) query(ctx context.Context, q func(*world)) error {
	ran := make(chan struct{})
	wrapped := func(w *world) {
		q(w)
		close(ran)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return canbus.ErrClosed
	case b.queries <- wrapped:
	}
	<-ran
	return nil
}

// Close stops the simulation goroutine. It is safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	<-b.stopped
	return nil
}

var _ canbus.Bus = (*Bus)(nil)
