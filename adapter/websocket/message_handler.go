package websocket

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler classifies inbound frames and routes them: responses to the
// request tracker, notifications to the router.
type MessageHandler struct {
	client *Client
}

// NewMessageHandler creates the frame router for client.
func NewMessageHandler(client *Client) *MessageHandler {
	return &MessageHandler{
		client: client,
	}
}

// ProcessMessage handles one frame read from s. Nothing here can fail the
// connection: bad frames are logged and dropped.
func (mh *MessageHandler) ProcessMessage(s *session, msgType int, data []byte) {
	if msgType == websocket.BinaryMessage {
		mh.client.logger.Debug("Binary frame received, parsing as JSON",
			"function", "ProcessMessage",
			"connection_id", s.id,
			"size", len(data))
	}

	frame, err := parseFrame(data)
	if err != nil {
		mh.client.logger.Warn("Dropping unparseable frame",
			"function", "ProcessMessage",
			"connection_id", s.id,
			"size", len(data),
			"error", err)
		mh.client.metrics.frameDropped("parse")
		return
	}

	switch frame.Kind {
	case FrameResponse:
		mh.handleResponse(s, frame)
	case FrameNotification:
		mh.handleNotification(s, frame)
	default:
		mh.client.logger.Warn("Dropping unclassified frame",
			"function", "ProcessMessage",
			"connection_id", s.id,
			"id", frame.ID,
			"method", frame.Method)
		mh.client.metrics.frameDropped("unclassified")
	}
}

func (mh *MessageHandler) handleResponse(s *session, frame *ParsedFrame) {
	if mh.client.requests.resolve(frame.ID, frame) {
		mh.client.logger.Debug("Response delivered",
			"function", "handleResponse",
			"connection_id", s.id,
			"request_id", frame.ID)
		return
	}
	// Late (after timeout), duplicate or never issued.
	mh.client.logger.Debug("No pending request for response",
		"function", "handleResponse",
		"connection_id", s.id,
		"request_id", frame.ID)
	mh.client.metrics.frameDropped("unmatched")
}

func (mh *MessageHandler) handleNotification(s *session, frame *ParsedFrame) {
	n := notification{
		Method:     frame.Method,
		Params:     frame.Params,
		ReceivedAt: time.Now(),
	}
	if err := mh.client.router.enqueue(s.ctx, s.queue, n); err != nil {
		if errors.Is(err, errQueueFull) {
			mh.client.logger.Warn("Notification queue full, dropping",
				"function", "handleNotification",
				"connection_id", s.id,
				"method", n.Method)
			mh.client.metrics.frameDropped("queue_full")
			return
		}
		mh.client.metrics.frameDropped("shutdown")
		return
	}
	mh.client.logger.Debug("Notification queued",
		"function", "handleNotification",
		"connection_id", s.id,
		"method", frame.Method)
}
