package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bdobrica/go-matrixrtc/rtc/session"
)

// Composite multiplexes a per-device and a room-broadcast transport,
// sending every key over both (so a late joiner that only looks at room
// state still converges) and merging both transports' inbound streams. This
// is the "room + to-device" variant mentioned as a third implementation
// alongside the two primary ones.
type Composite struct {
	primary   Transport
	secondary Transport
	log       *slog.Logger

	mu       sync.Mutex
	received chan ReceivedKey
	stopped  bool
}

// NewComposite builds a transport that fans SendKey out to both primary and
// secondary, and merges their Received() streams.
func NewComposite(primary, secondary Transport, log *slog.Logger) *Composite {
	if log == nil {
		log = slog.Default()
	}
	return &Composite{
		primary:   primary,
		secondary: secondary,
		log:       log,
		received:  make(chan ReceivedKey, 64),
	}
}

func (c *Composite) Start(ctx context.Context) error {
	if err := c.primary.Start(ctx); err != nil {
		return err
	}
	if err := c.secondary.Start(ctx); err != nil {
		return err
	}
	go c.pump(c.primary.Received())
	go c.pump(c.secondary.Received())
	return nil
}

func (c *Composite) pump(in <-chan ReceivedKey) {
	for rk := range in {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		// The send happens while still holding mu, so it cannot race with
		// Stop closing c.received: both the stopped check and the close
		// serialize on the same lock.
		select {
		case c.received <- rk:
		default:
			c.log.Warn("transport: composite received-key channel full, dropping", "participant", rk.Participant.String())
		}
		c.mu.Unlock()
	}
}

func (c *Composite) Stop() error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.received)
	}
	c.mu.Unlock()
	primaryErr := c.primary.Stop()
	secondaryErr := c.secondary.Stop()
	if primaryErr != nil {
		return primaryErr
	}
	return secondaryErr
}

func (c *Composite) Received() <-chan ReceivedKey { return c.received }

// SendKey fans the send out to both sub-transports and reports a member as
// failed if either sub-transport failed to reach it, so a participant only
// reachable through one of the two paths is never wrongly dropped from
// retargeting.
func (c *Composite) SendKey(ctx context.Context, keyBase64 string, index int, members []session.ParticipantID) ([]session.ParticipantID, error) {
	primaryFailed, primaryErr := c.primary.SendKey(ctx, keyBase64, index, members)
	secondaryFailed, secondaryErr := c.secondary.SendKey(ctx, keyBase64, index, members)

	failedSet := make(map[string]session.ParticipantID, len(primaryFailed)+len(secondaryFailed))
	for _, p := range primaryFailed {
		failedSet[p.String()] = p
	}
	for _, p := range secondaryFailed {
		failedSet[p.String()] = p
	}
	var failed []session.ParticipantID
	for _, p := range failedSet {
		failed = append(failed, p)
	}

	if primaryErr != nil {
		return failed, primaryErr
	}
	return failed, secondaryErr
}
