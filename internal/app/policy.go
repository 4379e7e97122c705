package app

import "github.com/dkeye/Lounge/internal/domain"

// SendContext is what the policy sees of a pending send.
type SendContext struct {
	Sender      domain.User
	Room        domain.Room
	Muted       bool
	PeerBlocked bool
}

// Policy rejects sends early on the client side. It is advisory: the store
// applies its own rules to every write.
type Policy interface {
	BeforeSend(sc SendContext) error
}

type DefaultPolicy struct{}

func (DefaultPolicy) BeforeSend(sc SendContext) error {
	switch {
	case sc.Sender.Kicked:
		return domain.ErrKicked
	case sc.Muted && sc.Sender.Authority != domain.Admin:
		return domain.ErrMuted
	case sc.Room.IsPrivate() && sc.PeerBlocked:
		return domain.ErrBlocked
	}
	return nil
}
