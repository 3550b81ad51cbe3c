// Package models defines the core data structures for FlowPipe.
//
// It includes flows, steps, conversations and the actions the flow engine emits,
// which are shared across the store, flow, messaging and api modules.
package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TriggerType defines how a flow is entered.
type TriggerType string

const (
	// TriggerFirstMessage fires when the sender has no live conversation in the flow.
	TriggerFirstMessage TriggerType = "first_message"
	// TriggerKeyword fires when the message contains the trigger content (case-insensitive).
	TriggerKeyword TriggerType = "keyword"
	// TriggerManual never fires automatically; flows are started by an operator.
	TriggerManual TriggerType = "manual"
)

// StepType identifies what a step does.
type StepType string

const (
	StepSendText    StepType = "send_text"
	StepSendImage   StepType = "send_image"
	StepSendAudio   StepType = "send_audio"
	StepSendFile    StepType = "send_file"
	StepWaitMessage StepType = "wait_message"
	StepWaitTime    StepType = "wait_time"
	StepEnd         StepType = "end"
)

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	// StateRunning is the initial state and the state after a wait_message step consumed input.
	StateRunning ConversationState = "running"
	// StateWaitingInput means the conversation is suspended until the sender writes again.
	StateWaitingInput ConversationState = "waiting_input"
	// StateCompleted is terminal.
	StateCompleted ConversationState = "completed"
)

// DefaultContextVariable is where wait_message stores input when no variable is configured.
const DefaultContextVariable = "last_input"

// DefaultWaitSeconds is used by wait_time steps without a usable seconds value.
const DefaultWaitSeconds = 1.0

// MaxWaitSeconds caps a single wait_time step at one day.
const MaxWaitSeconds = 24 * 60 * 60.0

// Validation constants
const (
	// MaxFlowNameLength defines the maximum allowed length for flow names
	MaxFlowNameLength = 255
	// MaxStepsPerFlow bounds the number of steps a single flow may define
	MaxStepsPerFlow = 500
	// MaxTextLength defines the maximum allowed length for send_text bodies
	MaxTextLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmptyFlowName      = errors.New("flow name cannot be empty")
	ErrFlowNameTooLong    = errors.New("flow name exceeds maximum length")
	ErrEmptyAccountID     = errors.New("account id cannot be empty")
	ErrInvalidTriggerType = errors.New("invalid trigger type")
	ErrEmptyKeyword       = errors.New("keyword trigger requires trigger content")
	ErrInvalidStepType    = errors.New("invalid step type")
	ErrInvalidStepOrder   = errors.New("step order must be a positive integer")
	ErrDuplicateStepOrder = errors.New("duplicate step order")
	ErrTooManySteps       = errors.New("too many steps")
	ErrMissingStepText    = errors.New("send_text step requires text")
	ErrTextTooLong        = errors.New("text exceeds maximum length")
	ErrMissingMediaSource = errors.New("media step requires url or file_path")
	ErrFlowInactive       = errors.New("flow is not active")
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerFirstMessage, TriggerKeyword, TriggerManual:
		return true
	default:
		return false
	}
}

// IsValidStepType checks if the given step type is one of the known types.
func IsValidStepType(t StepType) bool {
	switch t {
	case StepSendText, StepSendImage, StepSendAudio, StepSendFile, StepWaitMessage, StepWaitTime, StepEnd:
		return true
	default:
		return false
	}
}

// IsSendStep reports whether steps of this type emit a message to the chat.
func IsSendStep(t StepType) bool {
	switch t {
	case StepSendText, StepSendImage, StepSendAudio, StepSendFile:
		return true
	default:
		return false
	}
}

// Payload is the type-dependent configuration of a step or action.
type Payload map[string]any

// String returns the payload value for key as a string, or "" when absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// Bool returns the payload value for key interpreted as a boolean.
func (p Payload) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// Float returns the payload value for key as a float64. The second result is
// false when the key is absent or cannot be interpreted as a number.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// WaitSeconds reads the seconds value of a wait_time payload. Missing,
// unparseable, negative and non-finite values fall back to DefaultWaitSeconds;
// larger values are capped at MaxWaitSeconds.
func WaitSeconds(p Payload) float64 {
	secs, ok := p.Float("seconds")
	if !ok || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return DefaultWaitSeconds
	}
	return min(secs, MaxWaitSeconds)
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Step is one unit of flow behavior.
type Step struct {
	ID      string   `json:"id,omitempty"`
	FlowID  string   `json:"flow_id,omitempty"`
	Order   int      `json:"order"`
	Type    StepType `json:"type"`
	Payload Payload  `json:"payload,omitempty"`
}

// Flow is a named, ordered automation script with one trigger.
type Flow struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"account_id"`
	Name           string      `json:"name"`
	TriggerType    TriggerType `json:"trigger_type"`
	TriggerContent string      `json:"trigger_content,omitempty"`
	IsActive       bool        `json:"is_active"`
	Steps          []Step      `json:"steps,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Validate checks the flow definition before it is stored.
func (f *Flow) Validate() error {
	if strings.TrimSpace(f.AccountID) == "" {
		return ErrEmptyAccountID
	}
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyFlowName
	}
	if len(f.Name) > MaxFlowNameLength {
		return ErrFlowNameTooLong
	}
	if !IsValidTriggerType(f.TriggerType) {
		return fmt.Errorf("%w: %q", ErrInvalidTriggerType, f.TriggerType)
	}
	if f.TriggerType == TriggerKeyword && strings.TrimSpace(f.TriggerContent) == "" {
		return ErrEmptyKeyword
	}
	if len(f.Steps) > MaxStepsPerFlow {
		return ErrTooManySteps
	}
	seen := make(map[int]struct{}, len(f.Steps))
	for _, s := range f.Steps {
		if s.Order <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidStepOrder, s.Order)
		}
		if _, dup := seen[s.Order]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateStepOrder, s.Order)
		}
		seen[s.Order] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", s.Order, err)
		}
	}
	return nil
}

// Validate checks the payload requirements of a single step.
func (s *Step) Validate() error {
	if !IsValidStepType(s.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidStepType, s.Type)
	}
	switch s.Type {
	case StepSendText:
		text := s.Payload.String("text")
		if text == "" {
			return ErrMissingStepText
		}
		if len(text) > MaxTextLength {
			return ErrTextTooLong
		}
	case StepSendImage, StepSendAudio, StepSendFile:
		if s.Payload.String("url") == "" && s.Payload.String("file_path") == "" {
			return ErrMissingMediaSource
		}
	}
	return nil
}

// Conversation is the durable execution state of one sender progressing through one flow.
type Conversation struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"account_id"`
	SenderID         string            `json:"sender_id"`
	FlowID           string            `json:"flow_id"`
	CurrentStepOrder int               `json:"current_step_order"`
	State            ConversationState `json:"state"`
	Context          map[string]string `json:"context"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone returns a copy of the conversation that shares no mutable state with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Context = make(map[string]string, len(c.Context))
	for k, v := range c.Context {
		out.Context[k] = v
	}
	return out
}

// IsAlive reports whether the conversation can still receive input or emit actions.
func (c Conversation) IsAlive() bool {
	return c.State != StateCompleted
}

// ConversationUpdate carries the fields the flow engine writes back after processing.
type ConversationUpdate struct {
	CurrentStepOrder int
	State            ConversationState
	Context          map[string]string
}

// Action is an instruction emitted by the flow engine for the executor.
type Action struct {
	Type    StepType `json:"type"`
	Payload Payload  `json:"payload,omitempty"`
}

// ProcessResult is the outcome of one engine call.
type ProcessResult struct {
	Actions      []Action     `json:"actions"`
	Conversation Conversation `json:"conversation"`
}
