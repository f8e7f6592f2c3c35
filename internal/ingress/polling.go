package ingress

import (
	"context"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
)

// UpdatesTransport is the raw update-fetching call the polling fallback
// drives directly (rather than telego's own UpdatesViaLongPolling helper,
// which manages its offset internally) so the poller can track and
// acknowledge its own high-water-mark per spec.md §4.6.
type UpdatesTransport interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
}

// Poller implements spec.md §4.6's polling transport fallback: a long-poll
// loop acknowledging the high-water-mark via the next offset, retrying on
// error after retryDelay.
type Poller struct {
	transport  UpdatesTransport
	timeoutSec int
	limit      int
	retryDelay time.Duration
	onUpdate   func(telego.Update)
}

// NewPoller builds a Poller.
func NewPoller(transport UpdatesTransport, timeoutSec, limit int, retryDelay time.Duration, onUpdate func(telego.Update)) *Poller {
	return &Poller{
		transport:  transport,
		timeoutSec: timeoutSec,
		limit:      limit,
		retryDelay: retryDelay,
		onUpdate:   onUpdate,
	}
}

// Run drives the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := p.transport.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:  offset,
			Limit:   p.limit,
			Timeout: p.timeoutSec,
		})
		if err != nil {
			slog.Warn("ingress polling: get updates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			p.onUpdate(u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}
