package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"teams-file-bot/internal/domain"
)

const dateLayout = "January 02, 2006"

// Reply texts.
const (
	textAskSettings       = "Please type 'settings' to update report settings"
	textDeclinedReport    = "ThankYou. Get back to me when you need it. I'm here to serve you!"
	textSettingsChoice    = "Would you like to update report parameters or the options for this report?"
	textUploadTemplate    = "Please update the template and upload."
	textAskThreshold      = "What threshold would you like to set for this report?"
	textAllMessagesSent   = "All messages have been sent."
	textReportOffer       = "Would you like to see the report?"
	textUploadFollowUp    = "Would you like to update report parameters or the options for this report? Then Please update the template and upload..."
	textUploadFailedError = "Unable to upload file."
	textFallback          = "Sorry, I could not understand that. Type 'hello' to start over or 'settings' to update report settings."
	consentDescription    = "This is the file I want to send you"
	answerShowReport      = "Yes, I want to see the Report."
	answerDeclineReport   = "No, I don't want to see the Report."
	answerUpdateParams    = "Update Report Parameters for Report"
	answerUpdateOptions   = "Update Options for Report"
)

func greetingText(name string, today time.Time) string {
	return fmt.Sprintf("Hello, %s today is %s, would you like to see the report?", name, today.Format(dateLayout))
}

func thresholdText(value string) string {
	return "Thanks your new threshold is " + value
}

func templateUpdatedText(name string, columns []string) string {
	return fmt.Sprintf("Your parameters have been updated using the template in <b>%s</b> with %d columns: %s",
		name, len(columns), strings.Join(columns, ", "))
}

func downloadFailedText(name string) string {
	return fmt.Sprintf("Sorry, I could not retrieve the file %s. Please try uploading it again.", name)
}

func invalidAttachmentText(name string) string {
	return fmt.Sprintf("Sorry, I can't accept a file named %s. Please rename it and upload it again.", name)
}

func templateInvalidText(name, reason string) string {
	return fmt.Sprintf("The template in <b>%s</b> could not be read: %s", name, reason)
}

func uploadedText(name string) string {
	return fmt.Sprintf("<b>Report uploaded to your OneDrive.</b> Your report <b>%s</b> is ready to download", name)
}

func uploadFailedText(reason string) string {
	return fmt.Sprintf("<b>File upload failed.</b> Error: <pre>%s</pre>", reason)
}

func declinedText(filename string) string {
	return fmt.Sprintf("Declined. We won't upload file <b>%s</b>.", filename)
}

func imBack(title, value string) domain.CardAction {
	return domain.CardAction{Type: domain.ActionTypeIMBack, Title: title, Value: value}
}

func reportButtons() []domain.CardAction {
	return []domain.CardAction{
		imBack("Yes", answerShowReport),
		imBack("No", answerDeclineReport),
	}
}

// suggestedActions renders text with quick-reply buttons.
func suggestedActions(text string, actions ...domain.CardAction) *domain.Activity {
	a := domain.NewMessage(text)
	a.SuggestedActions = &domain.SuggestedActions{Actions: actions}
	return a
}

// reportOfferPrompt is the yes/no question offering the report.
func reportOfferPrompt() *domain.Activity {
	return suggestedActions(textReportOffer, reportButtons()...)
}

// settingsPrompt asks which report settings to change.
func settingsPrompt() *domain.Activity {
	return suggestedActions(textSettingsChoice,
		imBack("Report Parameters", answerUpdateParams),
		imBack("Options", answerUpdateOptions),
	)
}

func attachment(contentType, name string, content any) (domain.Attachment, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("usecase: marshal %s: %w", contentType, err)
	}
	return domain.Attachment{ContentType: contentType, Name: name, Content: raw}, nil
}

// reportOfferCard is the hero card sent proactively to every known user.
func reportOfferCard(name string, today time.Time) (*domain.Activity, error) {
	att, err := attachment(domain.ContentTypeHeroCard, "", domain.HeroCard{
		Text:    greetingText(name, today),
		Buttons: reportButtons(),
	})
	if err != nil {
		return nil, err
	}
	a := domain.NewMessage("")
	a.AttachmentLayout = "list"
	a.Attachments = []domain.Attachment{att}
	return a, nil
}

// consentCard asks the user to accept the upload of filename.
func consentCard(filename string, size int64) (*domain.Activity, error) {
	ctx := domain.ConsentContext{Filename: filename}
	att, err := attachment(domain.ContentTypeFileConsentCard, filename, domain.FileConsentCard{
		Description:    consentDescription,
		SizeInBytes:    size,
		AcceptContext:  ctx,
		DeclineContext: ctx,
	})
	if err != nil {
		return nil, err
	}
	a := domain.NewMessage("")
	a.Attachments = []domain.Attachment{att}
	return a, nil
}

// fileInfoCard links the file that was just uploaded to the user's drive.
// filename is the name that was offered; the drive may store it under
// info.Name.
func fileInfoCard(info domain.FileUploadInfo, filename string) (*domain.Activity, error) {
	stored := info.Name
	if stored == "" {
		stored = filename
	}
	att, err := attachment(domain.ContentTypeFileInfoCard, stored, domain.FileInfoCard{
		UniqueID: info.UniqueID,
		FileType: info.FileType,
	})
	if err != nil {
		return nil, err
	}
	att.ContentURL = info.ContentURL
	a := domain.NewMarkupMessage(uploadedText(filename))
	a.Attachments = []domain.Attachment{att}
	return a, nil
}
