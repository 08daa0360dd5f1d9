package canbus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rover/logging"
)

const receiveRetryDelay = 10 * time.Millisecond

// Pump moves received frames from the bus into out until the context is done or the bus
// closes. out is owned by the caller and handed to the control loop; when out is full the
// oldest pending frame is dropped so a stalled consumer never blocks the bus reader.
func Pump(ctx context.Context, bus Receiver, out chan Frame, logger logging.Logger) {
	for {
		frame, err := bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			logger.Warnw("bus receive failed", "error", err)
			if !goutils.SelectContextOrWait(ctx, receiveRetryDelay) {
				return
			}
			continue
		}
		offer(out, frame)
	}
}

func offer(out chan Frame, frame Frame) {
	for {
		select {
		case out <- frame:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// Drain returns every frame currently buffered in ch without blocking.
func Drain(ch <-chan Frame, max int) []Frame {
	var frames []Frame
	for len(frames) < max {
		select {
		case f := <-ch:
			frames = append(frames, f)
		default:
			return frames
		}
	}
	return frames
}
