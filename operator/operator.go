// Package operator serves the operator station transports. Every transport decodes the same
// binary commands, hands them to a CommandSink and pushes the latest telemetry back.
package operator

import (
	"time"

	"go.viam.com/rover/wire"
)

const (
	maxDatagramSize = 2048
	writeTimeout    = time.Second
)

// CommandSink accepts decoded commands. Submit must not block; it reports false when the
// command was dropped.
type CommandSink interface {
	Submit(cmd wire.Command) bool
}
