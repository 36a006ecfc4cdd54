// Package model contains the records and messages shared by every stage of the
// pipeline.
package model

import (
	"time"
)

// Status describes the lifecycle of a Submission.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Submission is the durable record of one uploaded file. CorrelationID is the
// join key across intake, processing, result and dead-letter handling and never
// changes once assigned.
type Submission struct {
	CorrelationID     string     `json:"correlationId"`
	OriginalFileName  string     `json:"originalFileName"`
	ProcessedFileName *string    `json:"processedFileName,omitempty"`
	ContentType       string     `json:"contentType"`
	FileSize          int64      `json:"fileSize"`
	ProcessorType     string     `json:"processorType"`
	Status            Status     `json:"status"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	DeadLettered      bool       `json:"deadLettered"`
	CreatedAt         time.Time  `json:"createdAt"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}
