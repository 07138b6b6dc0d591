package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tenderdesk/api/internal/outline"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, email, password_hash, is_email_verified,
	coalesce(verification_token, ''), verification_expires_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var expires sql.NullTime
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified,
		&user.VerificationToken, &expires, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	if expires.Valid {
		user.VerificationExpiresAt = &expires.Time
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email)=lower($1)`, email))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// CreateBid inserts the bid, makes ownerID its owner, and stores sections.
func (s *PostgresStore) CreateBid(ctx context.Context, bid Bid, ownerID string, sections []outline.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create bid: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO bids (id, title, created_by) VALUES ($1, $2, $3)`, bid.ID, bid.Title, ownerID); err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO bid_members (bid_id, user_id, role) VALUES ($1, $2, 'owner')`, bid.ID, ownerID); err != nil {
		return fmt.Errorf("insert bid owner: %w", err)
	}
	for i, section := range sections {
		if err := saveSection(ctx, tx, bid.ID, i, section); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetBid(ctx context.Context, bidID string) (Bid, error) {
	var bid Bid
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_by::text, created_at, updated_at FROM bids WHERE id=$1
	`, bidID).Scan(&bid.ID, &bid.Title, &createdBy, &bid.CreatedAt, &bid.UpdatedAt)
	if err != nil {
		return Bid{}, err
	}
	bid.CreatedBy = createdBy.String
	return bid, nil
}

func (s *PostgresStore) ListBids(ctx context.Context, userID string) ([]BidSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.title, coalesce(b.created_by::text, ''), b.created_at, b.updated_at, m.role,
			count(sec.id), count(sec.id) FILTER (WHERE sec.status = 'Completed')
		FROM bids b
		JOIN bid_members m ON m.bid_id = b.id AND m.user_id = $1
		LEFT JOIN sections sec ON sec.bid_id = b.id
		GROUP BY b.id, m.role
		ORDER BY b.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	items := make([]BidSummary, 0)
	for rows.Next() {
		var item BidSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &item.Role, &item.SectionCount, &item.Completed); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// BidRole returns the member's role, or "" when the user is not a member.
func (s *PostgresStore) BidRole(ctx context.Context, bidID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM bid_members WHERE bid_id=$1 AND user_id=$2`, bidID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read bid role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) SetBidRole(ctx context.Context, bidID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bid_members (bid_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (bid_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, bidID, userID, role)
	if err != nil {
		return fmt.Errorf("set bid role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, bidID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.email, m.role
		FROM bid_members m JOIN users u ON u.id = m.user_id
		WHERE m.bid_id=$1
		ORDER BY u.display_name
	`, bidID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.DisplayName, &m.Email, &m.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// LoadOutline returns the bid's sections in order with their comments,
// replies and feedback.
func (s *PostgresStore) LoadOutline(ctx context.Context, bidID string) ([]outline.Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, heading, question, answer, word_count, reviewer, status, weighting, page_limit, subheadings, writing_plan
		FROM sections WHERE bid_id=$1 ORDER BY sort_order
	`, bidID)
	if err != nil {
		return nil, fmt.Errorf("load sections: %w", err)
	}
	defer rows.Close()

	sections := make([]outline.Section, 0)
	index := make(map[string]int)
	for rows.Next() {
		var sec outline.Section
		var status string
		var subheadings []byte
		if err := rows.Scan(&sec.ID, &sec.Heading, &sec.Question, &sec.Answer, &sec.WordCount, &sec.Reviewer, &status,
			&sec.Weighting, &sec.PageLimit, &subheadings, &sec.WritingPlan); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sec.Status = outline.NormalizeStatus(status)
		if len(subheadings) > 0 {
			_ = json.Unmarshal(subheadings, &sec.Subheadings)
		}
		sec.Comments = []outline.Comment{}
		sec.AnswerFeedback = []outline.AnswerFeedback{}
		index[sec.ID] = len(sections)
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}

	comments, err := s.loadComments(ctx, bidID)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		if i, ok := index[c.SectionID]; ok {
			sections[i].Comments = append(sections[i].Comments, c)
		}
	}

	fbRows, err := s.db.QueryContext(ctx, `
		SELECT id, section_id, original_text, feedback, reasoning, resolved
		FROM answer_feedback WHERE bid_id=$1 ORDER BY id
	`, bidID)
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}
	defer fbRows.Close()
	for fbRows.Next() {
		var fb outline.AnswerFeedback
		var sectionID string
		if err := fbRows.Scan(&fb.ID, &sectionID, &fb.OriginalText, &fb.Feedback, &fb.Reasoning, &fb.Resolved); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if i, ok := index[sectionID]; ok {
			sections[i].AnswerFeedback = append(sections[i].AnswerFeedback, fb)
		}
	}
	return sections, fbRows.Err()
}

func (s *PostgresStore) loadComments(ctx context.Context, bidID string) ([]outline.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, section_id, text, resolved, position, author, created_at
		FROM comments WHERE bid_id=$1 ORDER BY created_at, id
	`, bidID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	comments := make([]outline.Comment, 0)
	byID := make(map[string]int)
	for rows.Next() {
		var c outline.Comment
		if err := rows.Scan(&c.ID, &c.SectionID, &c.Text, &c.Resolved, &c.Position, &c.Author, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.Replies = []outline.Reply{}
		byID[c.ID] = len(comments)
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	replyRows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.comment_id, r.text, r.author, r.created_at
		FROM comment_replies r JOIN comments c ON c.id = r.comment_id
		WHERE c.bid_id=$1 ORDER BY r.created_at, r.id
	`, bidID)
	if err != nil {
		return nil, fmt.Errorf("load replies: %w", err)
	}
	defer replyRows.Close()
	for replyRows.Next() {
		var r outline.Reply
		var commentID string
		if err := replyRows.Scan(&r.ID, &commentID, &r.Text, &r.Author, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		if i, ok := byID[commentID]; ok {
			comments[i].Replies = append(comments[i].Replies, r)
		}
	}
	return comments, replyRows.Err()
}

// SaveOutline writes the whole outline in one transaction. Sections missing
// from sections are deleted with their comments and feedback.
func (s *PostgresStore) SaveOutline(ctx context.Context, bidID string, sections []outline.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save outline: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(sections))
	for i, section := range sections {
		if err := saveSection(ctx, tx, bidID, i, section); err != nil {
			return err
		}
		ids = append(ids, section.ID)
	}
	idsJSON, _ := json.Marshal(ids)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sections WHERE bid_id=$1 AND NOT (id = ANY (SELECT jsonb_array_elements_text($2::jsonb)))
	`, bidID, string(idsJSON)); err != nil {
		return fmt.Errorf("delete removed sections: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bids SET updated_at=NOW() WHERE id=$1`, bidID); err != nil {
		return fmt.Errorf("touch bid: %w", err)
	}
	return tx.Commit()
}

func saveSection(ctx context.Context, tx *sql.Tx, bidID string, order int, sec outline.Section) error {
	subheadings, err := json.Marshal(nonNilStrings(sec.Subheadings))
	if err != nil {
		return fmt.Errorf("encode subheadings: %w", err)
	}
	status := sec.Status
	if status == "" {
		status = outline.StatusNotStarted
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sections (bid_id, id, sort_order, heading, question, answer, word_count, reviewer, status,
			weighting, page_limit, subheadings, writing_plan, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (bid_id, id) DO UPDATE SET
			sort_order=EXCLUDED.sort_order, heading=EXCLUDED.heading, question=EXCLUDED.question,
			answer=EXCLUDED.answer, word_count=EXCLUDED.word_count, reviewer=EXCLUDED.reviewer,
			status=EXCLUDED.status, weighting=EXCLUDED.weighting, page_limit=EXCLUDED.page_limit,
			subheadings=EXCLUDED.subheadings, writing_plan=EXCLUDED.writing_plan, updated_at=NOW()
	`, bidID, sec.ID, order, sec.Heading, sec.Question, sec.Answer, sec.WordCount, sec.Reviewer, string(status),
		sec.Weighting, sec.PageLimit, string(subheadings), sec.WritingPlan)
	if err != nil {
		return fmt.Errorf("upsert section %s: %w", sec.ID, err)
	}

	for _, c := range sec.Comments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, bid_id, section_id, text, resolved, position, author, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, resolved=EXCLUDED.resolved, position=EXCLUDED.position
		`, c.ID, bidID, sec.ID, c.Text, c.Resolved, c.Position, c.Author, c.CreatedAt); err != nil {
			return fmt.Errorf("upsert comment %s: %w", c.ID, err)
		}
		for _, r := range c.Replies {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO comment_replies (id, comment_id, text, author, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO NOTHING
			`, r.ID, c.ID, r.Text, r.Author, r.CreatedAt); err != nil {
				return fmt.Errorf("insert reply %s: %w", r.ID, err)
			}
		}
	}
	for _, fb := range sec.AnswerFeedback {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO answer_feedback (id, bid_id, section_id, original_text, feedback, reasoning, resolved)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET resolved=EXCLUDED.resolved
		`, fb.ID, bidID, sec.ID, fb.OriginalText, fb.Feedback, fb.Reasoning, fb.Resolved); err != nil {
			return fmt.Errorf("upsert feedback %s: %w", fb.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, bid_id, section_id, assignee, title, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.BidID, task.SectionID, task.Assignee, task.Title, task.Status, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, bidID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bid_id, section_id, assignee, title, status, created_by, created_at
		FROM tasks WHERE bid_id=$1 ORDER BY created_at DESC
	`, bidID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.BidID, &t.SectionID, &t.Assignee, &t.Title, &t.Status, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
