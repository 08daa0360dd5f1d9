package utils

import (
	"context"
	"time"

	goutils "go.viam.com/utils"

	"go.viam.com/rover/logging"
)

// SlowLogger warns every few seconds until the returned func is called or ctx is done. Use it
// around waits that should be quick, like shutting down workers.
func SlowLogger(ctx context.Context, msg, fieldName, fieldVal string, logger logging.Logger) func() {
	slowTicker := time.NewTicker(2 * time.Second)
	firstTick := true

	ctx, cancel := context.WithCancel(ctx)
	startTime := time.Now()
	goutils.PanicCapturingGo(func() {
		for {
			select {
			case <-slowTicker.C:
				elapsed := time.Since(startTime).Round(time.Second).String()
				logger.Warnw(msg, fieldName, fieldVal, "time_elapsed", elapsed)
				if firstTick {
					slowTicker.Reset(3 * time.Second)
					firstTick = false
				} else {
					slowTicker.Reset(5 * time.Second)
				}
			case <-ctx.Done():
				return
			}
		}
	})
	return func() { slowTicker.Stop(); cancel() }
}
