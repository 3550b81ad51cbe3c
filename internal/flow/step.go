package flow

import (
	"fmt"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Outcome is the effect of interpreting one step.
type Outcome struct {
	// Action is emitted to the executor when non-nil.
	Action *models.Action
	// Halt stops the step loop; State holds the state to halt in.
	Halt  bool
	State models.ConversationState
	// Capture is set when a wait_message step consumed the user message.
	Capture *Capture
	// Unknown marks a step whose type is not recognized; it is skipped.
	Unknown bool
}

// Capture stores a consumed user message under a context variable.
type Capture struct {
	Variable string
	Value    string
}

// Interpret maps a step and the pending user message to its effect. A nil step
// means the cursor points past the last defined order and completes the
// conversation. When the outcome does not halt, the cursor advances by one.
//
// Interpret is pure: it neither sleeps nor touches the store.
func Interpret(step *models.Step, userMessage *string) Outcome {
	if step == nil {
		return Outcome{Halt: true, State: models.StateCompleted}
	}

	switch step.Type {
	case models.StepSendText, models.StepSendImage, models.StepSendAudio, models.StepSendFile:
		return Outcome{Action: &models.Action{Type: step.Type, Payload: step.Payload.Clone()}}

	case models.StepWaitTime:
		return Outcome{Action: &models.Action{
			Type:    models.StepWaitTime,
			Payload: models.Payload{"seconds": models.WaitSeconds(step.Payload)},
		}}

	case models.StepWaitMessage:
		if userMessage == nil {
			return Outcome{Halt: true, State: models.StateWaitingInput}
		}
		variable := step.Payload.String("variable")
		if variable == "" {
			variable = models.DefaultContextVariable
		}
		return Outcome{Capture: &Capture{Variable: variable, Value: *userMessage}}

	case models.StepEnd:
		return Outcome{Halt: true, State: models.StateCompleted}

	default:
		return Outcome{Unknown: true}
	}
}

func (o Outcome) String() string {
	switch {
	case o.Halt:
		return fmt.Sprintf("halt(%s)", o.State)
	case o.Capture != nil:
		return fmt.Sprintf("capture(%s)", o.Capture.Variable)
	case o.Action != nil:
		return fmt.Sprintf("emit(%s)", o.Action.Type)
	case o.Unknown:
		return "skip(unknown)"
	default:
		return "advance"
	}
}
