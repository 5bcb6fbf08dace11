package tg

import (
	"context"
	"log/slog"
	"time"

	"vk-ads-bot/internal/metrics"
)

// Poller drives the long-polling fallback for deployments without a public
// webhook URL.
type Poller struct {
	client    *Client
	processor UpdateProcessor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	limit     int
}

// NewPoller creates a polling loop over the given client.
func NewPoller(client *Client, processor UpdateProcessor, logger *slog.Logger, metrics *metrics.Metrics, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Poller{
		client:    client,
		processor: processor,
		logger:    logger.With("component", "tg_poller"),
		metrics:   metrics,
		timeout:   timeout,
		limit:     50,
	}
}

// Run polls until the context is cancelled. Any existing webhook is removed
// first, since Telegram refuses getUpdates while one is registered.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.client.DeleteWebhook(ctx, false); err != nil {
		p.logger.Warn("delete webhook before polling failed", "error", err)
	}

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.timeout, p.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("get updates failed", "error", err)
			if p.metrics != nil {
				p.metrics.Errors.WithLabelValues("tg_poller").Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if p.metrics != nil {
				p.metrics.TGIncomingUpdates.WithLabelValues(updateType(update)).Inc()
			}
			p.processor.HandleUpdate(ctx, update)
		}
	}
}
