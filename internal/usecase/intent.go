package usecase

import (
	"regexp"
	"strconv"
	"strings"

	"teams-file-bot/internal/domain"
)

// Intent is what a single inbound message asks the bot to do.
type Intent int

const (
	IntentUnknown Intent = iota
	IntentFileUploaded
	IntentHello
	IntentMessageAllMembers
	IntentShowReport
	IntentDeclineReport
	IntentSettings
	IntentUpdateParameters
	IntentUpdateOptions
	IntentThreshold
	IntentGreeting
)

var intentNames = map[Intent]string{
	IntentUnknown:           "unknown",
	IntentFileUploaded:      "file_uploaded",
	IntentHello:             "hello",
	IntentMessageAllMembers: "message_all_members",
	IntentShowReport:        "show_report",
	IntentDeclineReport:     "decline_report",
	IntentSettings:          "settings",
	IntentUpdateParameters:  "update_parameters",
	IntentUpdateOptions:     "update_options",
	IntentThreshold:         "threshold",
	IntentGreeting:          "greeting",
}

func (i Intent) String() string {
	if s, ok := intentNames[i]; ok {
		return s
	}
	return "intent(" + strconv.Itoa(int(i)) + ")"
}

// Phrases posted back by the bot's own buttons. Matching is done on the
// lower-cased message text.
const (
	phraseShowReport       = "yes, i want to see the report"
	phraseDeclineReport    = "no, i don't want to see the report"
	phraseUpdateParameters = "update report parameters for report"
	phraseUpdateOptions    = "update options for report"
	keywordHello           = "hello"
	keywordReport          = "report"
	keywordSettings        = "settings"
	commandMessageAll      = "MessageAllMembers"
)

var thresholdPattern = regexp.MustCompile(`^-?[0-9]+$`)

// message is the classifier's view of one inbound activity.
type message struct {
	text           string
	lower          string
	hasAttachments bool
	firstType      string
}

type intentRule struct {
	intent Intent
	match  func(m message) bool
}

func contains(s string) func(m message) bool {
	return func(m message) bool { return strings.Contains(m.lower, s) }
}

// intentRules is evaluated top to bottom and the first match wins. The button
// phrases for declining, parameters and options all contain "report". The bare
// report keyword therefore sits after them, not in its usual place next to
// the yes phrase; moving it up would make those three rules unreachable.
var intentRules = []intentRule{
	{IntentFileUploaded, func(m message) bool { return m.firstType == domain.ContentTypeFileDownloadInfo }},
	{IntentHello, contains(keywordHello)},
	{IntentMessageAllMembers, func(m message) bool { return strings.Contains(m.text, commandMessageAll) }},
	{IntentShowReport, contains(phraseShowReport)},
	{IntentDeclineReport, contains(phraseDeclineReport)},
	{IntentUpdateParameters, contains(phraseUpdateParameters)},
	{IntentUpdateOptions, contains(phraseUpdateOptions)},
	{IntentShowReport, contains(keywordReport)},
	{IntentSettings, contains(keywordSettings)},
	{IntentThreshold, func(m message) bool { return thresholdPattern.MatchString(m.text) }},
	{IntentGreeting, func(m message) bool { return !m.hasAttachments && m.text == "" }},
}

// Classify maps an activity to exactly one intent. text is the message text
// after mention removal; the activity supplies the attachments.
func Classify(a *domain.Activity, text string) Intent {
	m := message{text: strings.TrimSpace(text)}
	m.lower = strings.ToLower(m.text)
	if a != nil && len(a.Attachments) > 0 {
		m.hasAttachments = true
		m.firstType = a.Attachments[0].ContentType
	}
	for _, r := range intentRules {
		if r.match(m) {
			return r.intent
		}
	}
	return IntentUnknown
}
