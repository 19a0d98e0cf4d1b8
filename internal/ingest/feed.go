package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/domain/prescription"
	"github.com/drfirst/go-medlabel/pkg/idempotency"
)

// HandlerName tags inbox entries written by the feed handler.
const HandlerName = "ingest-prescription"

// Message is one record of the prescription feed.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Value     []byte
}

// FeedHandler decodes feed messages and ingests each exactly once.
type FeedHandler struct {
	service *Service
	inbox   *idempotency.Inbox
	logger  *zap.Logger
}

// NewFeedHandler creates a handler. Without an inbox every delivery is
// ingested; the prescription natural key still prevents duplicates.
func NewFeedHandler(service *Service, inbox *idempotency.Inbox, logger *zap.Logger) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedHandler{service: service, inbox: inbox, logger: logger}
}

// IsTerminal reports feed errors that a redelivery cannot fix.
func IsTerminal(err error) bool {
	return errors.Is(err, prescription.ErrInvalid)
}

// Handle processes one message. Malformed records, finished repeats and
// terminally failed keys are acknowledged. The returned error means the
// message should be retried, which includes a key still held by another
// claim: acknowledging it would commit the offset before the work is done.
func (h *FeedHandler) Handle(ctx context.Context, msg Message) error {
	log := h.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))

	if h.inbox == nil {
		_, err := h.process(ctx, msg.Value)
		return h.settle(log, err)
	}

	key := idempotency.MessageKey(msg.Topic, msg.Partition, msg.Offset)
	res, err := h.inbox.Process(ctx, key, HandlerName, validJSON(msg.Value), h.process)
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		log.Debug("feed message skipped", zap.Error(err))
		return nil
	case errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrDuplicateMessage):
		log.Info("feed message held by another claim", zap.Error(err))
		return fmt.Errorf("feed message %s: %w", key, err)
	case err != nil:
		return h.settle(log, err)
	}
	if !res.IsNew {
		log.Debug("feed message already ingested")
	}
	return nil
}

func (h *FeedHandler) settle(log *zap.Logger, err error) error {
	if err == nil {
		return nil
	}
	if IsTerminal(err) {
		log.Warn("feed message rejected", zap.Error(err))
		return nil
	}
	return err
}

func (h *FeedHandler) process(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p prescription.Parsed
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", prescription.ErrInvalid, err)
	}
	res, err := h.service.Ingest(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// validJSON keeps the inbox payload column valid for undecodable records.
func validJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
