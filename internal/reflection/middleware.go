package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/vaultchat/internal/confirm"
	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/pipeline"
)

// FailMode decides what happens to a destructive call when the review itself fails.
type FailMode string

const (
	// FailOpen lets the call run.
	FailOpen FailMode = "open"
	// FailClosed asks the user to confirm instead.
	FailClosed FailMode = "closed"
)

// Gate is the pipeline middleware that reviews destructive tool calls.
type Gate struct {
	reflector Reflector
	store     *confirm.Store
	failMode  FailMode
	logger    *slog.Logger
	newToken  func() string
	now       func() time.Time
}

// NewGate creates a Gate. Paused calls are stored in store.
func NewGate(reflector Reflector, store *confirm.Store, failMode FailMode, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if failMode != FailClosed {
		failMode = FailOpen
	}
	return &Gate{
		reflector: reflector,
		store:     store,
		failMode:  failMode,
		logger:    logger,
		newToken:  uuid.NewString,
		now:       time.Now,
	}
}

// Middleware returns the Gate as a pipeline.Middleware.
func (g *Gate) Middleware() pipeline.Middleware {
	return g.Handle
}

// Handle reviews call. Non-destructive calls go straight to next without a review.
func (g *Gate) Handle(ctx context.Context, call *pipeline.Call, next pipeline.Handler) (pipeline.Outcome, error) {
	if !IsDestructive(call.Name) {
		return next(ctx, call)
	}

	verdict, err := g.reflect(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Outcome{}, ctx.Err()
		}
		g.logger.Warn("Reflection failed",
			"tool", call.Name,
			"fail_mode", g.failMode,
			"error", err)
		if g.failMode == FailOpen {
			return next(ctx, call)
		}
		verdict = domain.Verdict{
			NeedsUserConfirmation: true,
			Reason:                "The automated safety review could not run.",
			Warnings:              []string{"Safety review unavailable; please check this change yourself."},
		}
	}

	if verdict.ShouldReject {
		g.logger.Info("Tool call rejected by reflection", "tool", call.Name, "reason", verdict.Reason)
		return pipeline.Reject(verdict.Reason), nil
	}

	// Destructive calls pause even when the reviewer says confirmation is unnecessary.
	verdict.NeedsUserConfirmation = true

	token := g.newToken()
	now := g.now()
	card := BuildActionCard(call, verdict, token, now)
	g.store.Set(token, domain.PendingConfirmation{
		Token:          token,
		ToolName:       call.Name,
		Arguments:      call.Arguments,
		Verdict:        verdict,
		ConversationID: call.ConversationID,
		CardID:         card.ID,
		CreatedAt:      now,
	})

	g.logger.Info("Tool call awaiting confirmation",
		"tool", call.Name,
		"conversation_id", call.ConversationID,
		"card_id", card.ID)
	return pipeline.Pause(token, card), nil
}

func (g *Gate) reflect(ctx context.Context, call *pipeline.Call) (verdict domain.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reflection panic: %v", r)
		}
	}()
	return g.reflector.Reflect(ctx, call.Name, call.Arguments)
}
