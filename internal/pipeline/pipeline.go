// Package pipeline runs tool calls through an ordered chain of middleware
// before they reach the tool gateway.
package pipeline

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/vaultchat/internal/domain"
)

// Call is a tool invocation requested by the model.
type Call struct {
	ID             string
	Name           string
	Arguments      *structpb.Struct
	ConversationID string
}

// OutcomeKind discriminates Outcome.
type OutcomeKind int

const (
	// Proceeded means the tool ran; Result holds its output.
	Proceeded OutcomeKind = iota
	// Rejected means a middleware refused the call; Reason explains why.
	Rejected
	// Pending means the call is paused until the user confirms Token.
	Pending
)

func (k OutcomeKind) String() string {
	switch k {
	case Proceeded:
		return "proceeded"
	case Rejected:
		return "rejected"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Outcome is the result of running a Call through the pipeline.
type Outcome struct {
	Kind    OutcomeKind
	Result  string
	IsError bool
	Reason  string
	Token   string
	Card    *domain.ActionCard
}

// Proceed builds a Proceeded outcome.
func Proceed(result string, isError bool) Outcome {
	return Outcome{Kind: Proceeded, Result: result, IsError: isError}
}

// Reject builds a Rejected outcome.
func Reject(reason string) Outcome {
	return Outcome{Kind: Rejected, Reason: reason}
}

// Pause builds a Pending outcome.
func Pause(token string, card *domain.ActionCard) Outcome {
	return Outcome{Kind: Pending, Token: token, Card: card}
}

// ModelFeedback is the text returned to the model as the tool result.
func (o Outcome) ModelFeedback() string {
	switch o.Kind {
	case Rejected:
		return "The operation was rejected by the safety review: " + o.Reason
	case Pending:
		return "The operation requires user confirmation and has not been executed yet. " +
			"Tell the user what will happen and that they need to approve it."
	default:
		return o.Result
	}
}

// Handler executes a call.
type Handler func(ctx context.Context, call *Call) (Outcome, error)

// Middleware wraps a Handler. Returning without calling next short-circuits the chain.
type Middleware func(ctx context.Context, call *Call, next Handler) (Outcome, error)

// Chain composes mws around terminal. mws[0] runs first.
func Chain(terminal Handler, mws ...Middleware) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := h
		h = func(ctx context.Context, call *Call) (Outcome, error) {
			return mw(ctx, call, next)
		}
	}
	return h
}
