package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Bid struct {
	ID        string
	Title     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BidSummary is a bid as listed for one member.
type BidSummary struct {
	Bid
	Role         string
	SectionCount int
	Completed    int
}

type Member struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
}

// Task is a to-do for a bid member, such as reviewing a section.
type Task struct {
	ID        string
	BidID     string
	SectionID string
	Assignee  string
	Title     string
	Status    string
	CreatedBy string
	CreatedAt time.Time
}
