package webrtc

import (
	"sync"

	"sfuclient/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Consumer receives one remote stream. Pausing stops delivery to sinks;
// the router is told separately by the coordinator.
type Consumer struct {
	id         string
	producerID string
	kind       domain.Kind
	receiver   *webrtc.RTPReceiver
	track      *RemoteTrack

	closeOnce sync.Once
	closeErr  error
}

func (c *Consumer) ID() string          { return c.id }
func (c *Consumer) ProducerID() string  { return c.producerID }
func (c *Consumer) Kind() domain.Kind   { return c.kind }
func (c *Consumer) Track() domain.Track { return c.track }
func (c *Consumer) Paused() bool        { return c.track.paused.Load() }
func (c *Consumer) Pause()              { c.track.paused.Store(true) }
func (c *Consumer) Resume()             { c.track.paused.Store(false) }

func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.track.Stop()
		c.closeErr = c.receiver.Stop()
	})
	return c.closeErr
}
