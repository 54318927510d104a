package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/ingestion"
	"github.com/contract-insights/backend/internal/middleware/auth"
	"github.com/contract-insights/backend/internal/query"
	"github.com/contract-insights/backend/pkg/logger"
)

type WebSocketHandler struct {
	service *contracts.Service
}

func NewWebSocketHandler(service *contracts.Service) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
	}
}

type wsMessage struct {
	Type       string `json:"type"`
	Question   string `json:"question"`
	DocumentID string `json:"document_id"`
}

// HandleConnection serves two message types: "query" streams an answer and
// "watch" streams a document's ingestion status until it is ready or failed.
// Status lives on the server, so a client that reconnects can watch again.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals(auth.LocalsKey).(string)
	logger.Info("WebSocket connection established", zap.String("user_id", userID))

	// ctx ends when the client goes away, which stops any running watch.
	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan wsMessage)
	readerDone := make(chan struct{})
	go h.read(ctx, cancel, c, msgs, readerDone)

	defer func() {
		cancel()
		c.Close()
		<-readerDone
		logger.Info("WebSocket connection closed", zap.String("user_id", userID))
	}()

	for msg := range msgs {
		var err error
		switch msg.Type {
		case "query":
			err = h.streamAnswer(ctx, c, userID, msg.Question)
		case "watch":
			err = h.watch(ctx, c, userID, msg.DocumentID)
		default:
			err = sendError(c, apperr.Validation("Unknown message type %q.", msg.Type))
		}
		if err != nil {
			logger.Debug("WebSocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) read(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, msgs chan<- wsMessage, done chan<- struct{}) {
	defer close(done)
	defer close(msgs)
	defer cancel()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) streamAnswer(ctx context.Context, c *websocket.Conn, userID, question string) error {
	var writeErr error
	onState := func(s query.State) {
		if writeErr == nil {
			writeErr = c.WriteJSON(map[string]any{"type": "state", "state": s})
		}
	}

	res, err := h.service.QueryWithProgress(ctx, userID, question, onState)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return sendError(c, err)
	}

	if !res.NoEvidence() {
		words := strings.Fields(res.Answer)
		for i, word := range words {
			if i < len(words)-1 {
				word += " "
			}
			if err := c.WriteJSON(map[string]any{"type": "chunk", "content": word}); err != nil {
				return err
			}
		}
	}

	return c.WriteJSON(map[string]any{"type": "complete", "result": res})
}

func (h *WebSocketHandler) watch(ctx context.Context, c *websocket.Conn, userID, documentID string) error {
	updates, stop, err := h.service.Watch(ctx, userID, documentID)
	if err != nil {
		return sendError(c, err)
	}
	defer stop()
	return streamStatus(ctx, updates, c.WriteJSON)
}

// streamStatus forwards updates until the document is ready or failed, the
// feed closes or ctx ends.
func streamStatus(ctx context.Context, updates <-chan ingestion.Status, send func(any) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err := send(map[string]any{
				"type":     "status",
				"status":   st,
				"progress": st.Progress(),
			}); err != nil {
				return err
			}
			if st.State.Terminal() {
				return nil
			}
		}
	}
}

func sendError(c *websocket.Conn, err error) error {
	body := errorBody(err)
	body["type"] = "error"
	return c.WriteJSON(body)
}
