// Package models defines the core data structures for RemindPipe.
//
// It includes patient profiles, reminder events, cohort metrics and the JSON
// envelopes returned by the API, which are shared across modules.
package models

import (
	"errors"
)

// Error variables for better error handling and testability
var (
	// ErrNotFound is returned when a patient or reminder event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPolicy is returned when a profile's interval or channel configuration is malformed.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrTransportFailure wraps every error produced by a delivery transport.
	ErrTransportFailure = errors.New("transport failure")
	// ErrInvalidTransition is returned when an outcome is recorded against an event in the wrong state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// MessageStatus represents the delivery status reported by a transport receipt.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was accepted by the provider.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message reached the patient's device.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the provider gave up on the message.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is an asynchronous delivery report emitted by a transport.
type Receipt struct {
	ProviderRef string        `json:"provider_ref"`
	To          string        `json:"to"`
	Status      MessageStatus `json:"status"`
	Time        int64         `json:"time"`
}

// Response represents an incoming message from a patient.
type Response struct {
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in scheduled reminders.
	APIStatusScheduled APIStatus = "scheduled"
	// APIStatusRecorded indicates an outcome was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ScheduledWithResult creates a scheduled API response carrying the created events.
func ScheduledWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusScheduled).
		WithMessage(message).
		WithResult(result).
		Build()
}

// RecordedWithResult creates a recorded API response carrying the updated event.
func RecordedWithResult(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		WithResult(result).
		Build()
}
