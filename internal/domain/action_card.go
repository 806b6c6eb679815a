package domain

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ActionCardStatus is the lifecycle state of an ActionCard.
type ActionCardStatus string

const (
	CardPending   ActionCardStatus = "Pending"
	CardCompleted ActionCardStatus = "Completed"
	CardFailed    ActionCardStatus = "Failed"
	CardCancelled ActionCardStatus = "Cancelled"
	CardRejected  ActionCardStatus = "Rejected"
)

// ActionCard summarizes a file-changing operation that needs (or needed) user confirmation.
type ActionCard struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Status             ActionCardStatus   `json:"status"`
	Operation          string             `json:"operation"`
	StatusMessage      string             `json:"statusMessage"`
	CreatedAt          time.Time          `json:"createdAt"`
	CompletedAt        *time.Time         `json:"completedAt"`
	PlannedActions     []PlannedAction    `json:"plannedActions"`
	ReflectionMetadata ReflectionMetadata `json:"reflectionMetadata"`
}

// Complete moves the card to a terminal status.
func (c *ActionCard) Complete(status ActionCardStatus, message string, at time.Time) {
	c.Status = status
	c.StatusMessage = message
	c.CompletedAt = &at
}

// PlannedAction is one file touched by an ActionCard.
type PlannedAction struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Description string `json:"description"`
	Operation   string `json:"operation"`
	Content     string `json:"content"`
	SortOrder   int    `json:"sortOrder"`
}

// ReflectionMetadata carries the safety review attached to an ActionCard.
type ReflectionMetadata struct {
	Reasoning         string   `json:"reasoning"`
	Warnings          []string `json:"warnings"`
	NeedsConfirmation bool     `json:"needsConfirmation"`
	ReflectionKey     string   `json:"reflectionKey"`
}

// Verdict is the outcome of a reflection pass over a tool call.
type Verdict struct {
	ShouldReject          bool     `json:"shouldReject"`
	NeedsUserConfirmation bool     `json:"needsUserConfirmation"`
	Reason                string   `json:"reason"`
	ActionDescription     string   `json:"actionDescription"`
	SafetyChecks          []string `json:"safetyChecks"`
	Warnings              []string `json:"warnings"`
}

// PendingConfirmation is a paused tool call waiting for the user.
type PendingConfirmation struct {
	Token          string
	ToolName       string
	Arguments      *structpb.Struct
	Verdict        Verdict
	ConversationID string
	CardID         string
	CreatedAt      time.Time
}
