package app

import (
	"context"

	"tenderdesk/api/internal/copilot"
	"tenderdesk/api/internal/search"
)

type librarySearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// Library serves copilot evidence lookups from the answers already written
// for other bids.
type Library struct {
	searcher librarySearcher
}

func NewLibrary(searcher librarySearcher) *Library {
	return &Library{searcher: searcher}
}

func (l *Library) FindEvidence(ctx context.Context, query, bidID string, limit int) ([]copilot.Evidence, error) {
	if l == nil || l.searcher == nil {
		return nil, nil
	}
	resp := l.searcher.Search(ctx, search.Query{
		Text:         query,
		FilterType:   search.ResultSection,
		ExcludeBidID: bidID,
		Limit:        limit,
	})
	out := make([]copilot.Evidence, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Snippet == "" {
			continue
		}
		out = append(out, copilot.Evidence{Source: r.Title, Content: r.Snippet})
	}
	return out, nil
}
