// Package outline holds the proposal outline: the ordered sections of a bid
// together with their comments and answer feedback.
package outline

import (
	"strings"
	"time"
)

type Status string

const (
	StatusNotStarted Status = "Not Started"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

func NormalizeStatus(value string) Status {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "in progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	default:
		return StatusNotStarted
	}
}

type Reply struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Resolved  bool      `json:"resolved"`
	Position  int       `json:"position"`
	SectionID string    `json:"sectionId"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Replies   []Reply   `json:"replies"`
}

type AnswerFeedback struct {
	ID           string `json:"id"`
	OriginalText string `json:"originalText"`
	Feedback     string `json:"feedback"`
	Reasoning    string `json:"reasoning"`
	Resolved     bool   `json:"resolved"`
}

type Section struct {
	ID             string           `json:"section_id"`
	Heading        string           `json:"heading"`
	Question       string           `json:"question"`
	Answer         string           `json:"answer"`
	WordCount      int              `json:"word_count"`
	Reviewer       string           `json:"reviewer"`
	Status         Status           `json:"status"`
	Weighting      string           `json:"weighting,omitempty"`
	PageLimit      string           `json:"page_limit,omitempty"`
	Subheadings    []string         `json:"subheadings,omitempty"`
	WritingPlan    string           `json:"writingplan,omitempty"`
	Comments       []Comment        `json:"comments"`
	AnswerFeedback []AnswerFeedback `json:"answerFeedback"`
}

// Clone deep-copies the slices so a snapshot never shares backing arrays
// with the live outline.
func (s Section) Clone() Section {
	out := s
	out.Subheadings = append([]string(nil), s.Subheadings...)
	out.Comments = make([]Comment, len(s.Comments))
	for i, c := range s.Comments {
		c.Replies = append([]Reply(nil), c.Replies...)
		out.Comments[i] = c
	}
	out.AnswerFeedback = append([]AnswerFeedback(nil), s.AnswerFeedback...)
	return out
}

// ActiveComments returns the unresolved comments, in order.
func ActiveComments(comments []Comment) []Comment {
	active := make([]Comment, 0, len(comments))
	for _, c := range comments {
		if !c.Resolved {
			active = append(active, c)
		}
	}
	return active
}

// CommentAuthor picks the display author the way comment forms do.
func CommentAuthor(name, email string) string {
	if author := strings.TrimSpace(name); author != "" {
		return author
	}
	if author := strings.TrimSpace(email); author != "" {
		return author
	}
	return "Anonymous"
}
