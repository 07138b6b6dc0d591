package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tenderdesk/api/internal/outline"
)

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TENDERDESK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TENDERDESK_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewPostgresStore(db)
}

func TestOutlineRoundTripPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owner := User{ID: "7b0d2c59-3f0e-4c59-9a43-0f2a9d1c0b11", DisplayName: "Ada", Email: "ada@example.com"}
	if err := s.CreateUser(ctx, owner); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sections := []outline.Section{
		{
			ID: "s1", Heading: "Quality", Question: "Describe your QA", Answer: "<p>We test.</p>",
			Status: outline.StatusInProgress, Subheadings: []string{"ISO"},
			Comments: []outline.Comment{{
				ID: "comment-1", Text: "Cite ISO 9001", Position: 0, SectionID: "s1", Author: "Ada", CreatedAt: created,
				Replies: []outline.Reply{{ID: "reply-1", Text: "Done", Author: "Bo", CreatedAt: created.Add(time.Minute)}},
			}},
			AnswerFeedback: []outline.AnswerFeedback{{ID: "feedback-1", OriginalText: "We test.", Feedback: "Say how"}},
		},
		{ID: "s2", Heading: "Pricing"},
	}
	if err := s.CreateBid(ctx, Bid{ID: "bid-1", Title: "NHS framework"}, owner.ID, sections); err != nil {
		t.Fatalf("CreateBid() error = %v", err)
	}

	loaded, err := s.LoadOutline(ctx, "bid-1")
	if err != nil {
		t.Fatalf("LoadOutline() error = %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "s1" || loaded[1].ID != "s2" {
		t.Fatalf("LoadOutline() order = %+v", loaded)
	}
	if loaded[1].Status != outline.StatusNotStarted {
		t.Fatalf("default status = %q", loaded[1].Status)
	}
	if len(loaded[0].Comments) != 1 || len(loaded[0].Comments[0].Replies) != 1 {
		t.Fatalf("comments = %+v", loaded[0].Comments)
	}
	if len(loaded[0].AnswerFeedback) != 1 {
		t.Fatalf("feedback = %+v", loaded[0].AnswerFeedback)
	}

	loaded[0].Comments[0].Resolved = true
	if err := s.SaveOutline(ctx, "bid-1", loaded[:1]); err != nil {
		t.Fatalf("SaveOutline() error = %v", err)
	}
	again, err := s.LoadOutline(ctx, "bid-1")
	if err != nil {
		t.Fatalf("LoadOutline() error = %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected removed section to be deleted, got %d sections", len(again))
	}
	if !again[0].Comments[0].Resolved {
		t.Fatalf("expected resolved comment to persist")
	}

	role, err := s.BidRole(ctx, "bid-1", owner.ID)
	if err != nil || role != "owner" {
		t.Fatalf("BidRole() = %q, %v", role, err)
	}
}

func TestGetBidMissingPostgres(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetBid(context.Background(), "missing"); err != sql.ErrNoRows {
		t.Fatalf("GetBid() error = %v, want sql.ErrNoRows", err)
	}
}
