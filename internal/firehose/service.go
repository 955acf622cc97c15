// Package firehose orchestrates one webhook delivery: classify the
// transactions, render each event, route and dispatch each message, in
// strict input order.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/notiphier/notiphier/internal/classifier"
	"github.com/notiphier/notiphier/internal/event"
	"github.com/notiphier/notiphier/internal/logger"
	"github.com/notiphier/notiphier/internal/renderer"
	"github.com/notiphier/notiphier/internal/routing"
)

// Payload is the firehose webhook body, already signature-verified by
// the HTTP handler.
type Payload struct {
	Object struct {
		Type string `json:"type"`
		PHID string `json:"phid"`
	} `json:"object"`
	Transactions []struct {
		PHID string `json:"phid"`
	} `json:"transactions"`
}

// Sender dispatches one message to one channel. *slack.Client
// satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, channel, text, color string) error
}

// Service processes firehose deliveries. Deliveries are independent
// and may run concurrently; events within one delivery are processed
// sequentially in input order.
type Service struct {
	classifier *classifier.Classifier
	renderer   *renderer.Renderer
	router     *routing.Router
	sender     Sender
}

// NewService wires the processing pipeline.
func NewService(c *classifier.Classifier, r *renderer.Renderer, router *routing.Router, sender Sender) *Service {
	return &Service{
		classifier: c,
		renderer:   r,
		router:     router,
		sender:     sender,
	}
}

// Welcome posts the startup banner to the default channel.
func (s *Service) Welcome(ctx context.Context) error {
	return s.sender.SendMessage(ctx, s.router.DefaultChannel(),
		"Notiphier started running.", renderer.WelcomeColor)
}

// Handle processes one verified delivery. Processing errors never
// propagate: an unrecoverable error (unknown identity, upstream
// failure) replaces the delivery's notifications with a diagnostic
// message in the default channel, and a failed send is logged while
// the remaining events continue. The webhook caller always sees
// success for a well-formed payload.
func (s *Service) Handle(ctx context.Context, payload Payload, raw []byte) {
	log := logger.FromContext(ctx)

	txPHIDs := make([]string, 0, len(payload.Transactions))
	for _, tx := range payload.Transactions {
		txPHIDs = append(txPHIDs, tx.PHID)
	}

	events, err := s.classifier.Classify(ctx, event.ObjectType(payload.Object.Type), payload.Object.PHID, txPHIDs)
	if err != nil {
		s.reportFailure(ctx, err, raw)
		return
	}

	for _, ev := range events {
		msg, err := s.renderer.Render(ctx, ev)
		if errors.Is(err, renderer.ErrNoTemplate) {
			continue
		}
		if err != nil {
			s.reportFailure(ctx, err, raw)
			return
		}

		for _, delivery := range s.router.Route(ev, msg) {
			if err := s.sender.SendMessage(ctx, delivery.Channel, delivery.Message.Text, delivery.Message.Color); err != nil {
				log.Error("notification send failed",
					slog.String("channel", delivery.Channel),
					slog.String("kind", string(ev.Kind)),
					slog.Any("error", err),
				)
			}
		}
	}
}

// reportFailure posts a diagnostic to the default channel in place of
// the normal notifications: the error, the offending payload, and the
// processing stack.
func (s *Service) reportFailure(ctx context.Context, cause error, raw []byte) {
	log := logger.FromContext(ctx)
	log.Error("delivery processing failed", slog.Any("error", cause))

	text := fmt.Sprintf("Notiphier could not process a delivery.\nError: %v\nPayload:\n```%s```\nStack:\n```%s```",
		cause, raw, debug.Stack())
	if err := s.sender.SendMessage(ctx, s.router.DefaultChannel(), text, renderer.ErrorColor); err != nil {
		log.Error("diagnostic send failed", slog.Any("error", err))
	}
}
