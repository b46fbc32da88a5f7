package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// Terminator is the part of the pool engine that termination requests act on.
type Terminator interface {
	RequestTermination(ctx context.Context, instanceID string) (domain.TerminationTicket, error)
	CancelTermination(ctx context.Context, instanceID string) error
}

// Handlers processes NATS queue requests.
type Handlers struct {
	terminator Terminator
	logger     *logging.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(terminator Terminator, logger *logging.Logger) *Handlers {
	return &Handlers{
		terminator: terminator,
		logger:     logger.With("component", "queue-handlers"),
	}
}

// TerminationHandler schedules or cancels a termination.
//
// Requests for instances the pool no longer knows, and cancellations with
// nothing pending, succeed: the desired outcome already holds.
func (h *Handlers) TerminationHandler(ctx context.Context, req TerminationRequest) error {
	if req.InstanceID == "" {
		return fmt.Errorf("task %s: %w", req.TaskID, domain.ErrInvalidInstanceID)
	}

	if req.Cancel {
		err := h.terminator.CancelTermination(ctx, req.InstanceID)
		switch {
		case err == nil:
			h.logger.Info("Termination cancelled by request", "taskID", req.TaskID, "instanceID", req.InstanceID)
			return nil
		case errors.Is(err, domain.ErrInstanceNotFound), errors.Is(err, domain.ErrNotPendingTermination):
			h.logger.Debug("Nothing to cancel", "taskID", req.TaskID, "instanceID", req.InstanceID, "reason", err)
			return nil
		default:
			return err
		}
	}

	ticket, err := h.terminator.RequestTermination(ctx, req.InstanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			h.logger.Debug("Termination requested for unknown instance", "taskID", req.TaskID, "instanceID", req.InstanceID)
			return nil
		}
		return err
	}

	h.logger.Info("Termination scheduled by request",
		"taskID", req.TaskID,
		"instanceID", req.InstanceID,
		"delaySeconds", ticket.DelaySeconds())
	return nil
}
