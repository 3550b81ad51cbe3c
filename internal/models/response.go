package models

// APIStatus is the status field of every API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// StartFlowRequest starts a manual flow for a sender.
type StartFlowRequest struct {
	SenderID string `json:"sender_id" binding:"required"`
	ChatID   string `json:"chat_id"`
}

// SendTextRequest sends an ad hoc text message through an account.
type SendTextRequest struct {
	ChatID string `json:"chat_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// SendFileRequest sends an ad hoc attachment through an account.
type SendFileRequest struct {
	ChatID        string    `json:"chat_id" binding:"required"`
	Kind          MediaKind `json:"kind"`
	URL           string    `json:"url"`
	FilePath      string    `json:"file_path"`
	Caption       string    `json:"caption"`
	VoiceNote     bool      `json:"voice_note"`
	ForceDocument bool      `json:"force_document"`
}

// Media converts the request into a Media value, defaulting the kind to file.
func (r SendFileRequest) Media() Media {
	kind := r.Kind
	if kind == "" {
		kind = MediaFile
	}
	return Media{
		Kind:          kind,
		URL:           r.URL,
		FilePath:      r.FilePath,
		Caption:       r.Caption,
		VoiceNote:     r.VoiceNote,
		ForceDocument: r.ForceDocument,
	}
}

// WorkerStatus reports whether an account worker is running.
type WorkerStatus struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}
