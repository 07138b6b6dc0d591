package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const defaultHealthInterval = 10 * time.Second

var errMeiliDown = errors.New("meilisearch unhealthy")

// hitDoc is the union of fields either index stores, plus the highlighted
// copies Meilisearch returns under _formatted.
type hitDoc struct {
	ID        string `json:"id"`
	BidID     string `json:"bidId"`
	SectionID string `json:"sectionId"`
	Heading   string `json:"heading"`
	Answer    string `json:"answer"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	Formatted struct {
		Heading string `json:"heading"`
		Answer  string `json:"answer"`
		Text    string `json:"text"`
	} `json:"_formatted"`
}

type meiliIndex struct {
	uid        string
	kind       ResultType
	filterable []string
	searchable []string
	toResult   func(hitDoc) Result
}

var meiliIndexes = []meiliIndex{
	{
		uid:        "tenderdesk_sections",
		kind:       ResultSection,
		filterable: []string{"bidId", "status"},
		searchable: []string{"heading", "question", "answer"},
		toResult: func(d hitDoc) Result {
			return Result{
				Type:      ResultSection,
				ID:        d.SectionID,
				BidID:     d.BidID,
				SectionID: d.SectionID,
				Title:     highlighted(d.Formatted.Heading, d.Heading),
				Snippet:   highlighted(d.Formatted.Answer, d.Answer),
			}
		},
	},
	{
		uid:        "tenderdesk_comments",
		kind:       ResultComment,
		filterable: []string{"bidId", "sectionId", "resolved"},
		searchable: []string{"text", "author"},
		toResult: func(d hitDoc) Result {
			return Result{
				Type:      ResultComment,
				ID:        d.ID,
				BidID:     d.BidID,
				SectionID: d.SectionID,
				Title:     d.Author,
				Snippet:   highlighted(d.Formatted.Text, d.Text),
			}
		},
	},
}

func indexFor(kind ResultType) meiliIndex {
	for _, idx := range meiliIndexes {
		if idx.kind == kind {
			return idx
		}
	}
	panic("search: no index for " + string(kind))
}

// Meili serves Searcher and Indexer from Meilisearch. It tracks server
// health in the background and reports unhealthy while the server is away,
// which sends callers to Postgres.
type Meili struct {
	client   meili.ServiceManager
	logger   *slog.Logger
	healthy  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("component", "meilisearch"),
		stop:   make(chan struct{}),
	}
	if m.probe() {
		m.configure()
	} else {
		m.logger.Warn("meilisearch unavailable at startup", "url", url)
	}
	go m.watch(defaultHealthInterval)
	return m
}

// probe records and returns the server's current health.
func (m *Meili) probe() bool {
	_, err := m.client.Health()
	m.healthy.Store(err == nil)
	return err == nil
}

// configure creates both indexes and applies their attribute settings.
// Existing indexes only get their settings refreshed.
func (m *Meili) configure() {
	for _, idx := range meiliIndexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", "index", idx.uid, "error", err)
		}
		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, 0, len(idx.filterable))
		for _, attr := range idx.filterable {
			filterable = append(filterable, attr)
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("set filterable attributes", "index", idx.uid, "error", err)
		}
		searchable := append([]string(nil), idx.searchable...)
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("set searchable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) watch(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			was := m.healthy.Load()
			if m.probe() && !was {
				m.logger.Info("meilisearch back, reconfiguring indexes")
				m.configure()
			}
		}
	}
}

// Close stops the health watcher. It is safe to call more than once.
func (m *Meili) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one query per wanted index in a single multi-search call and
// concatenates the hits, sections first.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errMeiliDown
	}
	if q.BidIDs != nil && len(q.BidIDs) == 0 {
		return nil, 0, nil
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	filter := meiliFilter(q)

	var requests []*meili.SearchRequest
	for _, idx := range meiliIndexes {
		if q.FilterType != "" && q.FilterType != idx.kind {
			continue
		}
		req := &meili.SearchRequest{
			IndexUID:              idx.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if filter != "" {
			req.Filter = filter
		}
		requests = append(requests, req)
	}
	if len(requests) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: requests})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		idx, ok := indexByUID(res.IndexUID)
		if !ok {
			continue
		}
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			doc, err := decodeHit(hit)
			if err != nil {
				m.logger.Debug("skip undecodable hit", "index", idx.uid, "error", err)
				continue
			}
			results = append(results, idx.toResult(doc))
		}
	}
	return results, total, nil
}

func indexByUID(uid string) (meiliIndex, bool) {
	for _, idx := range meiliIndexes {
		if idx.uid == uid {
			return idx, true
		}
	}
	return meiliIndex{}, false
}

// meiliFilter expresses the query's bid scope in Meilisearch filter syntax.
func meiliFilter(q Query) string {
	var clauses []string
	if q.BidIDs != nil {
		quoted := make([]string, len(q.BidIDs))
		for i, id := range q.BidIDs {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		clauses = append(clauses, "bidId IN ["+strings.Join(quoted, ", ")+"]")
	}
	if q.ExcludeBidID != "" {
		clauses = append(clauses, fmt.Sprintf("bidId != %q", q.ExcludeBidID))
	}
	return strings.Join(clauses, " AND ")
}

func decodeHit(hit meili.Hit) (hitDoc, error) {
	var doc hitDoc
	raw, err := json.Marshal(hit)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(raw, &doc)
	return doc, err
}

// highlighted prefers the marked-up copy when Meilisearch produced one.
func highlighted(formatted, plain string) string {
	if f := strings.TrimSpace(formatted); f != "" {
		return f
	}
	return plain
}

func (m *Meili) IndexSections(sections []SectionRecord) error {
	return m.addDocuments(indexFor(ResultSection).uid, sections, len(sections))
}

func (m *Meili) IndexComments(comments []CommentRecord) error {
	return m.addDocuments(indexFor(ResultComment).uid, comments, len(comments))
}

func (m *Meili) addDocuments(uid string, docs any, n int) error {
	if n == 0 {
		return nil
	}
	if _, err := m.client.Index(uid).AddDocuments(docs, nil); err != nil {
		return fmt.Errorf("index %d documents into %s: %w", n, uid, err)
	}
	return nil
}

func (m *Meili) DeleteSection(id string) error {
	_, err := m.client.Index(indexFor(ResultSection).uid).DeleteDocument(id, nil)
	return err
}
