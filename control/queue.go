package control

import (
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/wire"
)

// CommandQueue is the bounded many-producer, single-consumer command channel between the
// operator transports and the loop. Order is FIFO per producer.
type CommandQueue struct {
	ch chan wire.Command
}

// NewCommandQueue returns a queue holding at most size pending commands.
func NewCommandQueue(size int) *CommandQueue {
	if size <= 0 {
		size = 1
	}
	return &CommandQueue{ch: make(chan wire.Command, size)}
}

// Submit enqueues cmd without blocking. When the queue is full the command is dropped,
// counted and false is returned.
func (q *CommandQueue) Submit(cmd wire.Command) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		metrics.CommandsDropped.Inc()
		return false
	}
}

// Len returns the number of pending commands.
func (q *CommandQueue) Len() int {
	return len(q.ch)
}

func (q *CommandQueue) drain(max int) []wire.Command {
	var cmds []wire.Command
	for len(cmds) < max {
		select {
		case cmd := <-q.ch:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
	return cmds
}
