package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ResultStatus is the outcome carried by a ProcessingResult.
type ResultStatus string

const (
	ResultProcessed ResultStatus = "Processed"
	ResultFailed    ResultStatus = "Failed"
)

const (
	// ErrorProcessorType marks results produced by the failure path.
	ErrorProcessorType = "Error"
	// UnknownValue stands in for identifiers that could not be recovered.
	UnknownValue = "unknown"
)

// ProcessingRequest is published once per Submission by intake and consumed
// at-least-once by the processing worker.
type ProcessingRequest struct {
	CorrelationID string    `json:"correlationId"`
	SourceLocator string    `json:"sourceLocator"`
	FileName      string    `json:"fileName"`
	ContentType   string    `json:"contentType"`
	FileSize      int64     `json:"fileSize"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ProcessingResult reports the outcome of one processing attempt.
type ProcessingResult struct {
	CorrelationID     string       `json:"correlationId"`
	OriginalFileName  string       `json:"originalFileName"`
	ProcessedFileName string       `json:"processedFileName,omitempty"`
	Status            ResultStatus `json:"status"`
	Message           string       `json:"message"`
	ProcessedAt       time.Time    `json:"processedAt"`
	ProcessorType     string       `json:"processorType"`
}

// DecodeRequest parses a request body. A body without a correlation id or
// source locator is rejected as malformed.
func DecodeRequest(body []byte) (*ProcessingRequest, error) {
	var req ProcessingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode processing request: %w", err)
	}
	if req.CorrelationID == "" || req.SourceLocator == "" {
		return nil, errors.New("decode processing request: missing correlationId or sourceLocator")
	}
	return &req, nil
}

// DecodeResult parses a result body.
func DecodeResult(body []byte) (*ProcessingResult, error) {
	var res ProcessingResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode processing result: %w", err)
	}
	return &res, nil
}
