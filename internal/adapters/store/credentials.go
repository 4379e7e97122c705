package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

const minSecretLen = 6

// Prepared is a validated registration ready to persist.
type Prepared struct {
	ID     string
	Email  string
	Fields map[string]any
	Hash   []byte
}

// Prepare validates r and hashes its secret. Emails listed in admins are
// promoted to admin.
func Prepare(r core.Registration, admins []string) (Prepared, error) {
	email := domain.NormalizeEmail(r.Email)
	if email == "" || !strings.Contains(email, "@") {
		return Prepared{}, fmt.Errorf("email %q: %w", r.Email, domain.ErrValidation)
	}
	if len(r.Secret) < minSecretLen {
		return Prepared{}, fmt.Errorf("password shorter than %d: %w", minSecretLen, domain.ErrValidation)
	}
	name := strings.TrimSpace(r.DisplayName)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	u, err := domain.NewUser(name, email)
	if err != nil {
		return Prepared{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	for _, a := range admins {
		if domain.NormalizeEmail(a) == email {
			u.Authority = domain.Admin
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(r.Secret), bcrypt.DefaultCost)
	if err != nil {
		return Prepared{}, fmt.Errorf("hash secret: %w", err)
	}
	fields := core.UserFields(*u)
	fields[core.FieldOnline] = false
	return Prepared{ID: string(u.ID), Email: email, Fields: fields, Hash: hash}, nil
}

// CompareSecret maps bcrypt failures to ErrInvalidCredentials.
func CompareSecret(hash []byte, secret string) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) || errors.Is(err, bcrypt.ErrHashTooShort) {
		return domain.ErrInvalidCredentials
	}
	return err
}
