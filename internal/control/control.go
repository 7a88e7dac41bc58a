// Package control carries pause/resume instructions from the editor to the
// transport worker.
package control

import "github.com/mattscamp/neovim-serenade/internal/queue"

// Signal is a pause/resume instruction.
type Signal int

const (
	Resume Signal = iota
	Pause
)

func (s Signal) String() string {
	switch s {
	case Resume:
		return "resume"
	case Pause:
		return "pause"
	default:
		return "unknown"
	}
}

// Channel is the single producer/single consumer path for signals. It never
// blocks the sender and keeps send order.
type Channel struct {
	q *queue.Queue[Signal]
}

func NewChannel() *Channel {
	return &Channel{q: queue.New[Signal]()}
}

// Send enqueues s.
func (c *Channel) Send(s Signal) {
	c.q.Push(s)
}

// Ready fires when signals may be waiting.
func (c *Channel) Ready() <-chan struct{} {
	return c.q.Ready()
}

// Apply drains pending signals without blocking and returns the resulting
// pause flag. The last signal wins; with nothing pending paused is returned
// unchanged.
func (c *Channel) Apply(paused bool) (bool, []Signal) {
	pending := c.q.Drain()
	for _, s := range pending {
		paused = s == Pause
	}
	return paused, pending
}
