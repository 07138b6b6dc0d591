// Package annotate turns selections into addressable marker regions of a
// section body and settles them back into plain text. Markers live in a
// Store; the surface markup is always re-rendered from the store.
package annotate

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindComment   Kind = "comment"
	KindEvidence  Kind = "evidence"
	KindExpand    Kind = "expand"
	KindSummarize Kind = "summarize"
	KindCustom    Kind = "custom"
	KindFeedback  Kind = "feedback"
)

const (
	PendingColor        = "#FFE5CC"
	FeedbackColor       = "rgb(144, 238, 144)"
	ActiveFeedbackColor = "rgb(76, 175, 80)"
)

type kindInfo struct {
	class   string
	attr    string
	verb    string
	failure string
}

var kinds = map[Kind]kindInfo{
	KindComment:   {class: "commented-text", attr: "data-comment-id", verb: "add a comment"},
	KindEvidence:  {class: "evidence-text", attr: "data-evidence-id", verb: "find evidence for", failure: "Error retrieving evidence. Please try again."},
	KindExpand:    {class: "expand-text", attr: "data-expand-id", verb: "expand", failure: "Error expanding text. Please try again."},
	KindSummarize: {class: "summarise-text", attr: "data-summarise-id", verb: "summarise", failure: "Error generating summary. Please try again."},
	KindCustom:    {class: "custom-text", attr: "data-custom-prompt-id", verb: "apply a custom prompt to", failure: "Error processing custom prompt. Please try again."},
	KindFeedback:  {class: "feedback-text", attr: "data-feedback-id", verb: "add feedback to"},
}

// GenericFailure is shown when a kind has no dedicated failure text.
const GenericFailure = "Error processing text, please try again"

// EmptyExpansion replaces an expand result that came back blank.
const EmptyExpansion = "Could not expand text. Please try again."

func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "comment":
		return KindComment, nil
	case "evidence":
		return KindEvidence, nil
	case "expand":
		return KindExpand, nil
	case "summarize", "summarise":
		return KindSummarize, nil
	case "custom", "custom-prompt":
		return KindCustom, nil
	case "feedback":
		return KindFeedback, nil
	}
	return "", fmt.Errorf("unknown annotation kind %q", value)
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Ephemeral kinds only exist while their side panel is open; they are never
// persisted with the section.
func (k Kind) Ephemeral() bool {
	return k != KindComment && k != KindFeedback
}

func (k Kind) Class() string { return kinds[k].class }

func (k Kind) Attr() string { return kinds[k].attr }

// FailureMessage is what the side panel shows when the backend call fails.
func (k Kind) FailureMessage() string {
	if msg := kinds[k].failure; msg != "" {
		return msg
	}
	return GenericFailure
}

var (
	ErrEmptySelection = errors.New("nothing selected")
	ErrActionInFlight = errors.New("action already in progress")
	ErrNotReady       = errors.New("marker has no result to accept")
	ErrEmptyComment   = errors.New("comment text is required")
	ErrWrongKind      = errors.New("marker kind does not support this operation")
	ErrMarkerNotFound = errors.New("marker not found")
	ErrMarkerSettled  = errors.New("marker is no longer pending")
	ErrClosed         = errors.New("annotation manager closed")
)

// SelectionError is the notice for an action invoked without a selection.
type SelectionError struct {
	Kind Kind
}

func (e *SelectionError) Error() string {
	verb := kinds[e.Kind].verb
	if verb == "" {
		verb = "continue"
	}
	return "Please select text to " + verb
}

func (e *SelectionError) Is(target error) bool {
	return target == ErrEmptySelection
}
