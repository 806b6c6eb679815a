package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/vaultchat/internal/domain"
)

// Confirm resolves a paused tool call. An approved call runs on the gateway
// and its card ends Completed or Failed; a declined one ends Cancelled. A
// token can be resolved once.
func (o *Orchestrator) Confirm(ctx context.Context, token string, approved bool) (ConfirmResult, error) {
	pending, ok := o.confirmations.Take(token)
	if !ok {
		return ConfirmResult{}, ErrConfirmationNotFound
	}

	card, err := o.repo.GetActionCardByKey(ctx, token)
	if err != nil {
		o.logger.Warn("Failed to load action card", "token", token, "error", err)
	}

	status, message := o.resolve(ctx, pending, approved)
	if card != nil {
		card.Complete(status, message, o.now())
		if err := o.repo.UpdateActionCard(ctx, card); err != nil {
			o.logger.Error("Failed to update action card", "card_id", card.ID, "error", err)
		}
	}

	o.logger.Info("Confirmation resolved",
		"conversation_id", pending.ConversationID,
		"tool", pending.ToolName,
		"approved", approved,
		"status", status)

	return ConfirmResult{
		Success: status != domain.CardFailed,
		Status:  status,
		Message: message,
		Card:    card,
	}, nil
}

func (o *Orchestrator) resolve(ctx context.Context, pending domain.PendingConfirmation, approved bool) (domain.ActionCardStatus, string) {
	if !approved {
		return domain.CardCancelled, "Cancelled by user"
	}
	if o.tools == nil {
		return domain.CardFailed, "Tool gateway unavailable"
	}

	res, err := o.tools.InvokeTool(ctx, pending.ToolName, pending.Arguments)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return domain.CardFailed, "Request canceled"
	case err != nil:
		return domain.CardFailed, fmt.Sprintf("Tool gateway unavailable: %v", err)
	case res.IsError:
		return domain.CardFailed, res.Text
	case res.Text == "":
		return domain.CardCompleted, "Done"
	default:
		return domain.CardCompleted, res.Text
	}
}
