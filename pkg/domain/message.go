package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a WebSocket envelope type. The set is closed:
// unknown types on the wire are dropped by the connection manager.
type MessageType string

const (
	// Control messages
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeAuth        MessageType = "auth"

	// Admin messages
	MessageTypeCommand       MessageType = "command"
	MessageTypeConfigUpdate  MessageType = "config_update"
	MessageTypeSystemControl MessageType = "system_control"

	// Data messages
	MessageTypeMetrics MessageType = "metrics"
	MessageTypeLogs    MessageType = "logs"
	MessageTypeAlerts  MessageType = "alerts"

	// Response messages
	MessageTypeSuccess MessageType = "success"
	MessageTypeError   MessageType = "error"
	MessageTypeData    MessageType = "data"
)

// Message is the JSON envelope exchanged over WebSocket connections.
type Message struct {
	Type          MessageType            `json:"type"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	MessageID     string                 `json:"message_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// NewMessage builds an envelope with a fresh message id and timestamp.
func NewMessage(msgType MessageType, data map[string]interface{}) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
		MessageID: uuid.New().String(),
	}
}

// NewErrorMessage builds an error response. The correlation id of the
// offending request is echoed back when one was supplied.
func NewErrorMessage(reason, correlationID string) *Message {
	msg := NewMessage(MessageTypeError, map[string]interface{}{
		"error": reason,
	})
	msg.CorrelationID = correlationID
	return msg
}

// NewSuccessMessage builds a success response correlated to a request.
func NewSuccessMessage(data map[string]interface{}, correlationID string) *Message {
	msg := NewMessage(MessageTypeSuccess, data)
	msg.CorrelationID = correlationID
	return msg
}
