package core

import (
	"fmt"
	"strings"

	"github.com/dkeye/Lounge/internal/domain"
)

// Field names shared by every collaborator adapter.
const (
	FieldEmail     = "email"
	FieldName      = "name"
	FieldAvatar    = "avatar"
	FieldAuthority = "authority"
	FieldOnline    = "online"
	FieldKicked    = "kicked"
	FieldIsBot     = "isBot"
	FieldPersona   = "persona"

	FieldRoom         = "room"
	FieldSenderID     = "senderId"
	FieldSenderName   = "senderName"
	FieldSenderAvatar = "senderAvatar"
	FieldText         = "text"
	FieldKind         = "kind"
	FieldAttachment   = "attachment"
	FieldIsUser       = "isUser"

	FieldUserID = "user_id"
	FieldRoomID = "room_id"
	FieldMuted  = "is_muted"
)

// RoomState is the decoded room_states record.
type RoomState struct {
	RecordID string
	RoomID   domain.RoomID
	Muted    bool
}

func UserFromRecord(r Record) (domain.User, error) {
	if r.ID == "" {
		return domain.User{}, fmt.Errorf("user record: missing id")
	}
	name := String(r.Fields, FieldName)
	if name == "" {
		name = "user_" + r.ID
	}
	return domain.User{
		ID:          domain.UserID(r.ID),
		DisplayName: name,
		AvatarRef:   String(r.Fields, FieldAvatar),
		Authority:   domain.ParseAuthority(String(r.Fields, FieldAuthority)),
		Online:      Bool(r.Fields, FieldOnline),
		Kicked:      Bool(r.Fields, FieldKicked),
		Email:       String(r.Fields, FieldEmail),
		IsBot:       Bool(r.Fields, FieldIsBot),
		Persona:     String(r.Fields, FieldPersona),
	}, nil
}

func MessageFromRecord(r Record) (domain.Message, error) {
	if r.ID == "" {
		return domain.Message{}, fmt.Errorf("message record: missing id")
	}
	room := String(r.Fields, FieldRoom)
	sender := String(r.Fields, FieldSenderID)
	if room == "" || sender == "" {
		return domain.Message{}, fmt.Errorf("message record %s: missing room or sender", r.ID)
	}
	return domain.Message{
		ID:              domain.MessageID(r.ID),
		RoomID:          domain.RoomID(room),
		SenderID:        domain.UserID(sender),
		SenderName:      String(r.Fields, FieldSenderName),
		SenderAvatarRef: String(r.Fields, FieldSenderAvatar),
		Body:            String(r.Fields, FieldText),
		Kind:            domain.ParseMessageKind(String(r.Fields, FieldKind)),
		AttachmentRef:   String(r.Fields, FieldAttachment),
		FromHuman:       Bool(r.Fields, FieldIsUser),
		CreatedAt:       r.Created,
	}, nil
}

func BanFromRecord(r Record) (domain.BanRecord, error) {
	email := String(r.Fields, FieldEmail)
	if r.ID == "" || email == "" {
		return domain.BanRecord{}, fmt.Errorf("ban record: missing id or email")
	}
	return domain.BanRecord{
		ID:            domain.BanID(r.ID),
		SubjectEmail:  email,
		SubjectUserID: domain.UserID(String(r.Fields, FieldUserID)),
		IssuedAt:      r.Created,
	}, nil
}

func RoomStateFromRecord(r Record) (RoomState, error) {
	room := String(r.Fields, FieldRoomID)
	if room == "" {
		return RoomState{}, fmt.Errorf("room state record: missing room id")
	}
	return RoomState{RecordID: r.ID, RoomID: domain.RoomID(room), Muted: Bool(r.Fields, FieldMuted)}, nil
}

// MessageFields encodes a message for Create. Id and creation time are
// assigned by the collaborator.
func MessageFields(m domain.Message) map[string]any {
	return map[string]any{
		FieldRoom:         string(m.RoomID),
		FieldSenderID:     string(m.SenderID),
		FieldSenderName:   m.SenderName,
		FieldSenderAvatar: m.SenderAvatarRef,
		FieldText:         m.Body,
		FieldKind:         string(m.Kind),
		FieldAttachment:   m.AttachmentRef,
		FieldIsUser:       m.FromHuman,
	}
}

func UserFields(u domain.User) map[string]any {
	return map[string]any{
		FieldEmail:     domain.NormalizeEmail(u.Email),
		FieldName:      u.DisplayName,
		FieldAvatar:    u.AvatarRef,
		FieldAuthority: u.Authority.String(),
		FieldOnline:    u.Online,
		FieldKicked:    u.Kicked,
		FieldIsBot:     u.IsBot,
		FieldPersona:   u.Persona,
	}
}

// String reads a string field; non-string values yield "".
func String(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// Bool reads a boolean field, tolerating the encodings pub/sub codecs and SQL
// drivers produce.
func Bool(fields map[string]any, key string) bool {
	switch v := fields[key].(type) {
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "true" || s == "1"
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}
