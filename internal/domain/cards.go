package domain

import "encoding/json"

// ActionTypeIMBack posts the action value back to the bot as if the user typed it.
const ActionTypeIMBack = "imBack"

// CardAction is a clickable button on a card or suggested-actions strip.
type CardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Value string `json:"value"`
}

// SuggestedActions are quick replies shown below a message.
type SuggestedActions struct {
	To      []string     `json:"to,omitempty"`
	Actions []CardAction `json:"actions"`
}

// HeroCard is a text card with buttons.
type HeroCard struct {
	Title    string       `json:"title,omitempty"`
	Subtitle string       `json:"subtitle,omitempty"`
	Text     string       `json:"text,omitempty"`
	Buttons  []CardAction `json:"buttons,omitempty"`
}

// ConsentContext is the opaque payload echoed back on accept or decline.
type ConsentContext struct {
	Filename string `json:"filename"`
}

// FileConsentCard asks the user for permission to upload a file to them.
type FileConsentCard struct {
	Description    string         `json:"description,omitempty"`
	SizeInBytes    int64          `json:"sizeInBytes"`
	AcceptContext  ConsentContext `json:"acceptContext"`
	DeclineContext ConsentContext `json:"declineContext"`
}

// FileUploadInfo tells the bot where an accepted file should be uploaded.
type FileUploadInfo struct {
	Name       string `json:"name,omitempty"`
	UploadURL  string `json:"uploadUrl,omitempty"`
	ContentURL string `json:"contentUrl,omitempty"`
	UniqueID   string `json:"uniqueId,omitempty"`
	FileType   string `json:"fileType,omitempty"`
}

// Consent actions reported by Teams.
const (
	ConsentActionAccept  = "accept"
	ConsentActionDecline = "decline"
)

// InvokeNameFileConsent is the invoke name of a file consent answer.
const InvokeNameFileConsent = "fileConsent/invoke"

// FileConsentCardResponse is the user's answer to a FileConsentCard.
type FileConsentCardResponse struct {
	Action     string          `json:"action"`
	Context    json.RawMessage `json:"context,omitempty"`
	UploadInfo *FileUploadInfo `json:"uploadInfo,omitempty"`
}

// ConsentContext decodes the echoed context. Teams may deliver the context as
// an object or as a JSON string holding the object.
func (r FileConsentCardResponse) ConsentContext() (ConsentContext, error) {
	var cc ConsentContext
	if len(r.Context) == 0 {
		return cc, nil
	}
	raw := r.Context
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return ConsentContext{}, err
	}
	return cc, nil
}

// FileDownloadInfo is attached to a message when the user uploads a file.
type FileDownloadInfo struct {
	DownloadURL string `json:"downloadUrl"`
	UniqueID    string `json:"uniqueId,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	Etag        any    `json:"etag,omitempty"`
}

// FileInfoCard points the user at a file the bot uploaded.
type FileInfoCard struct {
	UniqueID string `json:"uniqueId,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Etag     any    `json:"etag,omitempty"`
}
