package domain

import (
	"strings"
	"time"
)

type MessageID string

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindAudio  MessageKind = "audio"
	KindSystem MessageKind = "system"
)

func ParseMessageKind(s string) MessageKind {
	switch MessageKind(s) {
	case KindImage, KindAudio, KindSystem:
		return MessageKind(s)
	default:
		return KindText
	}
}

// Message is immutable once created.
type Message struct {
	ID              MessageID   `json:"id"`
	RoomID          RoomID      `json:"roomId"`
	SenderID        UserID      `json:"senderId"`
	SenderName      string      `json:"senderName"`
	SenderAvatarRef string      `json:"senderAvatar,omitempty"`
	Body            string      `json:"body"`
	Kind            MessageKind `json:"kind"`
	AttachmentRef   string      `json:"attachment,omitempty"`
	FromHuman       bool        `json:"fromHuman"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Draft is what a sender supplies; the collaborator assigns id and createdAt.
type Draft struct {
	Body          string
	Kind          MessageKind
	AttachmentRef string
}

// Validate rejects drafts carrying neither text nor an attachment.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Body) == "" && strings.TrimSpace(d.AttachmentRef) == "" {
		return ErrValidation
	}
	return nil
}

// IsCommand reports whether a body is a client command rather than chat.
func IsCommand(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "!")
}
