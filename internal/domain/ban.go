package domain

import (
	"strings"
	"time"
)

type BanID string

// BanRecord makes credentials for SubjectEmail rejected until it is deleted.
type BanRecord struct {
	ID            BanID     `json:"id"`
	SubjectEmail  string    `json:"email"`
	SubjectUserID UserID    `json:"userId"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// NormalizeEmail is the ban key form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
