package model

import (
	"encoding/json"
	"time"
)

// Event types appended to the processing log.
const (
	EventFileQueued                = "FileQueued"
	EventProcessingStarted         = "ProcessingStarted"
	EventProcessingCompleted       = "ProcessingCompleted"
	EventProcessingFailed          = "ProcessingFailed"
	EventResultProcessingError     = "ResultProcessingError"
	EventMessageDeadLettered       = "MessageDeadLettered"
	EventResultDeadLettered        = "ResultDeadLettered"
	EventDeadLetterProcessingError = "DeadLetterProcessingError"
)

// Log levels recorded with an event.
const (
	LevelInfo    = "Info"
	LevelWarning = "Warning"
	LevelError   = "Error"
)

// ProcessingEvent is an append-only audit entry.
type ProcessingEvent struct {
	ID             int64     `json:"id"`
	CorrelationID  string    `json:"correlationId"`
	EventType      string    `json:"eventType"`
	Message        string    `json:"message"`
	LogLevel       string    `json:"logLevel"`
	Timestamp      time.Time `json:"timestamp"`
	AdditionalData string    `json:"additionalData,omitempty"`
}

// NewEvent builds an event stamped with the current time. details, when not
// nil, is stored as JSON in AdditionalData.
func NewEvent(correlationID, eventType, message, level string, details any) ProcessingEvent {
	evt := ProcessingEvent{
		CorrelationID: correlationID,
		EventType:     eventType,
		Message:       message,
		LogLevel:      level,
		Timestamp:     time.Now().UTC(),
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			evt.AdditionalData = string(data)
		}
	}
	return evt
}
