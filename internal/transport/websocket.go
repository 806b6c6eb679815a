package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/vaultchat/internal/chat"
	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// TurnRunner starts chat turns. *chat.Orchestrator satisfies it.
type TurnRunner interface {
	Execute(ctx context.Context, t chat.Turn) (<-chan chat.Event, error)
}

// ChatSocket serves chat turns over a websocket. Turns on one connection run
// one at a time; a second request while one is queued is refused.
type ChatSocket struct {
	runner        TurnRunner
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewChatSocket creates a ChatSocket.
func NewChatSocket(runner TurnRunner, allowedOrigin string, isDev bool, logger *slog.Logger) *ChatSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatSocket{
		runner:        runner,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// wsRequest is a client message. Type defaults to "chat".
type wsRequest struct {
	Type           string                 `json:"type"`
	Message        string                 `json:"message"`
	ConversationID string                 `json:"conversationId"`
	History        []domain.StoredMessage `json:"history"`
	Instructions   string                 `json:"instructions"`
}

// wsFrame is a server message.
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// activeTurn holds the cancel func of the running turn.
type activeTurn struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (a *activeTurn) set(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
}

func (a *activeTurn) stop() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return false
	}
	a.cancel()
	a.cancel = nil
	return true
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (s *ChatSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	s.logger.Info("Chat websocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			s.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	requests := make(chan chat.Turn, 1)
	active := &activeTurn{}
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		defer close(requests)
		defer active.stop()
		return s.readLoop(ctx, ws, userID, requests, active)
	})
	g.Go(func() error {
		for turn := range requests {
			if err := s.runTurn(ctx, ws, turn, active); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		s.logger.Warn("Chat websocket ended with error", "error", err, "user_id", userID)
	}
	s.logger.Info("Chat websocket session ended", "user_id", userID)
}

func (s *ChatSocket) checkOrigin(r *http.Request) bool {
	if s.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowedOrigin == "*" || origin == s.allowedOrigin {
		return true
	}
	s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.allowedOrigin)
	return false
}

func (s *ChatSocket) readLoop(ctx context.Context, ws *websocket.Conn, userID string, requests chan<- chat.Turn, active *activeTurn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				s.logger.Debug("WebSocket closed by client", "user_id", userID)
				return nil
			}
			return err
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := s.writeFrame(ctx, ws, wsFrame{Type: "error", Data: errorFrame{Error: "invalid message"}}); err != nil {
				return err
			}
			continue
		}

		switch req.Type {
		case "", "chat":
			turn := chat.Turn{
				Message:        req.Message,
				ConversationID: req.ConversationID,
				UserID:         userID,
				History:        req.History,
				Instructions:   req.Instructions,
			}
			select {
			case requests <- turn:
			default:
				if err := s.writeFrame(ctx, ws, wsFrame{Type: "error", Data: errorFrame{Error: "a turn is already queued"}}); err != nil {
					return err
				}
			}
		case "cancel":
			if active.stop() {
				s.logger.Info("Chat turn canceled by client", "user_id", userID)
			}
		case "ping":
			if err := s.writeFrame(ctx, ws, wsFrame{Type: "pong"}); err != nil {
				return err
			}
		}
	}
}

// runTurn streams one turn. Only write failures are returned; turn errors
// become error frames.
func (s *ChatSocket) runTurn(ctx context.Context, ws *websocket.Conn, turn chat.Turn, active *activeTurn) error {
	turnCtx, cancel := context.WithCancel(ctx)
	active.set(cancel)
	defer active.stop()

	events, err := s.runner.Execute(turnCtx, turn)
	if err != nil {
		if werr := s.writeFrame(ctx, ws, wsFrame{Type: "error", Data: errorFrame{Error: err.Error()}}); werr != nil {
			return werr
		}
		return s.writeFrame(ctx, ws, wsFrame{Type: "done"})
	}

	for ev := range events {
		if err := s.writeFrame(ctx, ws, frameFor(ev)); err != nil {
			return err
		}
	}
	return s.writeFrame(ctx, ws, wsFrame{Type: "done"})
}

func frameFor(ev chat.Event) wsFrame {
	frame := wsFrame{Type: ev.Kind.String()}
	switch ev.Kind {
	case chat.EventText:
		frame.Data = ev.Text
	case chat.EventToolCall:
		frame.Data = toolCallFrame{Name: ev.ToolName}
	case chat.EventActionCard:
		frame.Data = ev.Card
	case chat.EventMetadata:
		frame.Data = ev.Metadata
	case chat.EventError:
		frame.Data = errorFrame{Error: errorMessage(ev.Err)}
	}
	return frame
}

func (s *ChatSocket) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
