package types

// InputType defines the type of input being sent to the agent.
type InputType string

const (
	InputTypeCancel       InputType = "cancel"        // InputTypeCancel indicates a cancellation request.
	InputTypeUserInput    InputType = "user_input"    // InputTypeUserInput indicates a simple text input from the user.
	InputTypeApproval     InputType = "approval"      // InputTypeApproval carries a decision for a pending tool call.
	InputTypeApprovalMode InputType = "approval_mode" // InputTypeApprovalMode switches the session approval mode.
	InputTypeCompress     InputType = "compress"      // InputTypeCompress requests a forced history compression.
)

// Input represents various types of input that can be sent to an agent.
type Input struct {
	// Metadata holds optional additional information about the input.
	Metadata map[string]any

	// Content is the text content for user input, or the approval mode name.
	Content string

	// CallID identifies the tool call an approval decision applies to.
	CallID string

	// Outcome is the approval decision (proceed_once, proceed_always, cancel).
	Outcome string

	// Type indicates the kind of input.
	Type InputType
}

// NewCancelInput creates a new cancellation input.
func NewCancelInput() *Input {
	return &Input{
		Type:     InputTypeCancel,
		Metadata: make(map[string]any),
	}
}

// NewUserInput creates a new user text input.
func NewUserInput(content string) *Input {
	return &Input{
		Type:     InputTypeUserInput,
		Content:  content,
		Metadata: make(map[string]any),
	}
}

// NewApprovalInput creates a decision for the pending call callID.
func NewApprovalInput(callID, outcome string) *Input {
	return &Input{
		Type:     InputTypeApproval,
		CallID:   callID,
		Outcome:  outcome,
		Metadata: make(map[string]any),
	}
}

// NewApprovalModeInput creates a request to switch the approval mode.
func NewApprovalModeInput(mode string) *Input {
	return &Input{
		Type:     InputTypeApprovalMode,
		Content:  mode,
		Metadata: make(map[string]any),
	}
}

// NewCompressInput creates a forced compression request.
func NewCompressInput() *Input {
	return &Input{
		Type:     InputTypeCompress,
		Metadata: make(map[string]any),
	}
}

// WithMetadata adds metadata to the input and returns the input for chaining.
func (i *Input) WithMetadata(key string, value any) *Input {
	if i.Metadata == nil {
		i.Metadata = make(map[string]any)
	}
	i.Metadata[key] = value
	return i
}

// IsCancel returns true if this is a cancellation input.
func (i *Input) IsCancel() bool {
	return i.Type == InputTypeCancel
}

// IsUserInput returns true if this is a user text input.
func (i *Input) IsUserInput() bool {
	return i.Type == InputTypeUserInput
}

// IsApproval returns true if this is an approval decision.
func (i *Input) IsApproval() bool {
	return i.Type == InputTypeApproval
}

// IsApprovalMode returns true if this is an approval mode change.
func (i *Input) IsApprovalMode() bool {
	return i.Type == InputTypeApprovalMode
}

// IsCompress returns true if this is a forced compression request.
func (i *Input) IsCompress() bool {
	return i.Type == InputTypeCompress
}
