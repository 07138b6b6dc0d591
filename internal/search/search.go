// Package search indexes bid sections and comments. Meilisearch serves
// queries when it is reachable; Postgres full-text search covers the rest.
package search

import (
	"context"
	"strings"

	"tenderdesk/api/internal/richtext"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSection ResultType = "section"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	BidID     string     `json:"bidId"`
	SectionID string     `json:"sectionId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	// BidIDs limits results to these bids. Nil means no restriction.
	BidIDs       []string
	ExcludeBidID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// SectionRecord is the data we index for a section. ID joins the bid and
// section ids because section ids are only unique within a bid.
type SectionRecord struct {
	ID        string `json:"id"`
	BidID     string `json:"bidId"`
	SectionID string `json:"sectionId"`
	Heading   string `json:"heading"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Status    string `json:"status"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID        string `json:"id"`
	BidID     string `json:"bidId"`
	SectionID string `json:"sectionId"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	Resolved  bool   `json:"resolved"`
}

func SectionRecordID(bidID, sectionID string) string {
	return safeID(bidID) + "__" + safeID(sectionID)
}

// safeID keeps only the characters Meilisearch accepts in a primary key.
func safeID(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func allowedBid(q Query, bidID string) bool {
	if q.ExcludeBidID != "" && bidID == q.ExcludeBidID {
		return false
	}
	if q.BidIDs == nil {
		return true
	}
	for _, id := range q.BidIDs {
		if id == bidID {
			return true
		}
	}
	return false
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	Healthy() bool
	IndexSections(sections []SectionRecord) error
	IndexComments(comments []CommentRecord) error
	DeleteSection(id string) error
}

// PlainText drops markup from an answer before it is indexed.
func PlainText(answer string) string {
	doc, err := richtext.Parse(answer)
	if err != nil {
		return answer
	}
	return strings.TrimSpace(doc.Text())
}
