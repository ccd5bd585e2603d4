// Package notify emails recipients about chat messages they were not online
// to receive.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/models"
	"github.com/rs/zerolog"
)

type Mailer interface {
	SendText(to, subject, body string) error
}

// Store is the read access the notifier needs; *chat.Repo satisfies it.
type Store interface {
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	GetMessage(ctx context.Context, id uint64) (*chat.Message, error)
}

type Notifier struct {
	store  Store
	mailer Mailer
	log    zerolog.Logger
}

func New(store Store, mailer Mailer) *Notifier {
	return &Notifier{store: store, mailer: mailer, log: logging.With("notify")}
}

// Handle processes one message event. A nil error means the event is done
// with, including the cases where no mail is needed.
func (n *Notifier) Handle(ctx context.Context, ev chat.MessageEvent) error {
	log := n.log.With().Str("event_id", ev.EventID).Uint64("message_id", ev.MessageID).Logger()

	if ev.Type != chat.EventMessageCreated {
		log.Debug().Str("type", ev.Type).Msg("event ignored")
		return nil
	}
	if ev.RecipientOnline {
		return nil
	}

	msg, err := n.store.GetMessage(ctx, ev.MessageID)
	if errors.Is(err, chat.ErrNotFound) {
		log.Debug().Msg("message deleted before notification")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.Status == chat.StatusRead {
		return nil
	}

	recipient, err := n.store.GetUser(ctx, ev.RecipientID)
	if errors.Is(err, chat.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if recipient.Email == "" {
		return nil
	}
	sender, err := n.store.GetUser(ctx, ev.SenderID)
	if err != nil && !errors.Is(err, chat.ErrUserNotFound) {
		return fmt.Errorf("load sender: %w", err)
	}

	subject, body := compose(recipient, sender)
	if err := n.mailer.SendText(recipient.Email, subject, body); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	log.Info().Uint64("recipient_id", recipient.ID).Msg("offline notification sent")
	return nil
}

// compose leaves the message content out of the mail.
func compose(recipient, sender *models.User) (subject, body string) {
	from := "your care team"
	if sender != nil {
		from = displayName(sender)
		if sender.Role == models.RoleDoctor {
			from = "Dr. " + from
		}
	}
	subject = "New message from " + from
	body = "Hello " + displayName(recipient) + ",\n\n" +
		"You have a new message from " + from + " in the patient portal.\n" +
		"Sign in to read and reply.\n\n" +
		"This is an automated notice. Please do not reply to this email.\n"
	return subject, body
}

func displayName(u *models.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
