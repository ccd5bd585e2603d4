package realtime

import (
	"context"
	"errors"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/models"
	"github.com/rs/zerolog"
)

// MessageStore is the persistence the router needs; *chat.Service satisfies it.
type MessageStore interface {
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	RedirectDoctor(ctx context.Context, online []uint64) (*models.User, error)
	SendMessage(ctx context.Context, in chat.SendInput) (*chat.Message, error)
	MarkDelivered(ctx context.Context, msg *chat.Message) error
}

type EventPublisher interface {
	PublishMessageEvent(ctx context.Context, ev chat.MessageEvent) error
}

type RouterOptions struct {
	// SelfSendRedirect re-targets a patient's self-addressed message to a
	// doctor instead of rejecting it.
	SelfSendRedirect bool
	Publisher        EventPublisher
}

// Router turns chat_message frames into persisted messages and pushes them
// to the recipient, the sender's registered connection, and the origin.
type Router struct {
	store    MessageStore
	registry *Registry
	opts     RouterOptions
	log      zerolog.Logger
}

func NewRouter(store MessageStore, registry *Registry, opts RouterOptions) *Router {
	return &Router{
		store:    store,
		registry: registry,
		opts:     opts,
		log:      logging.With("router"),
	}
}

func (rt *Router) reject(origin Conn, code, msg string) {
	if err := origin.Send(errorEvent(code, msg)); err != nil {
		rt.log.Debug().Err(err).Str("code", code).Msg("error event not delivered")
	}
}

// HandleChat processes one chat_message frame received from a connection
// authenticated as senderID. It returns the persisted message, or nil when
// the frame was rejected; rejections are answered on origin only.
func (rt *Router) HandleChat(ctx context.Context, origin Conn, senderID uint64, ev Inbound) *chat.Message {
	log := rt.log.With().Uint64("from", ev.FromUserID).Uint64("to", ev.ToUserID).Logger()

	if ev.FromUserID != senderID {
		log.Warn().Uint64("conn_user", senderID).Msg("sender does not match connection identity, dropping")
		rt.reject(origin, CodeForbidden, "fromUserId does not match the authenticated user")
		return nil
	}

	from, err := rt.store.GetUser(ctx, ev.FromUserID)
	if err != nil {
		log.Warn().Err(err).Msg("sender lookup failed, dropping")
		rt.reject(origin, CodeUnknownUser, "sender not found")
		return nil
	}
	to, err := rt.store.GetUser(ctx, ev.ToUserID)
	if err != nil {
		log.Warn().Err(err).Msg("recipient lookup failed, dropping")
		rt.reject(origin, CodeUnknownUser, "recipient not found")
		return nil
	}

	if from.ID == to.ID {
		to = rt.resolveSelfSend(ctx, origin, from)
		if to == nil {
			return nil
		}
		log = log.With().Uint64("redirected_to", to.ID).Logger()
	}

	msg, err := rt.store.SendMessage(ctx, chat.SendInput{
		FromUserID: from.ID,
		ToUserID:   to.ID,
		Content:    ev.Content,
		ImageData:  ev.ImageData,
	})
	if err != nil {
		rt.rejectSendError(origin, log, err)
		return nil
	}
	log = log.With().Uint64("message_id", msg.ID).Uint64("conversation_id", msg.ConversationID).Logger()

	if err := rt.store.MarkDelivered(ctx, msg); err != nil {
		log.Error().Err(err).Msg("mark delivered failed")
		rt.reject(origin, CodePersistFailed, "message stored but delivery state not updated")
		return nil
	}

	recipientOnline := rt.fanOut(origin, msg, log)
	rt.publish(ctx, msg, recipientOnline, log)
	return msg
}

// resolveSelfSend applies the self-send policy and returns the recipient to
// use, or nil after rejecting.
func (rt *Router) resolveSelfSend(ctx context.Context, origin Conn, from *models.User) *models.User {
	if !rt.opts.SelfSendRedirect {
		rt.log.Warn().Uint64("user_id", from.ID).Msg("self-addressed message rejected")
		rt.reject(origin, CodeSelfSend, "recipient must differ from sender")
		return nil
	}

	switch from.Role {
	case models.RoleDoctor:
		rt.log.Warn().Uint64("user_id", from.ID).Msg("doctor self-send rejected")
		rt.reject(origin, CodeSelfSend, "doctors must address a patient explicitly")
		return nil
	case models.RolePatient:
		doc, err := rt.store.RedirectDoctor(ctx, rt.registry.Online())
		if err != nil {
			rt.log.Warn().Err(err).Uint64("user_id", from.ID).Msg("no doctor available for redirect")
			rt.reject(origin, CodeUnknownUser, "no doctor available")
			return nil
		}
		return doc
	}

	rt.reject(origin, CodeForbidden, "unknown role")
	return nil
}

func (rt *Router) rejectSendError(origin Conn, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLarge):
		log.Warn().Err(err).Msg("invalid message, dropping")
		rt.reject(origin, CodeBadRequest, err.Error())
	case errors.Is(err, chat.ErrInvalidPair):
		log.Warn().Err(err).Msg("invalid pair, dropping")
		rt.reject(origin, CodeInvalidPair, err.Error())
	case errors.Is(err, chat.ErrUserNotFound):
		log.Warn().Err(err).Msg("user vanished, dropping")
		rt.reject(origin, CodeUnknownUser, err.Error())
	default:
		log.Error().Err(err).Msg("persist message failed")
		rt.reject(origin, CodePersistFailed, "message could not be stored")
	}
}

// fanOut pushes the message to the recipient, to the sender's registered
// connection when it is not the origin, and back to the origin. Senders
// deduplicate by message id.
func (rt *Router) fanOut(origin Conn, msg *chat.Message, log zerolog.Logger) bool {
	recipientOnline := false
	if rc, ok := rt.registry.Get(msg.RecipientID); ok {
		if err := rc.Send(ChatMessageEvent{Type: TypeChatMessage, Message: msg}); err != nil {
			log.Warn().Err(err).Msg("push to recipient failed")
		} else {
			recipientOnline = true
		}
	}

	confirm := ChatMessageEvent{Type: TypeChatMessage, Message: msg, Status: chat.StatusDelivered}
	if sc, ok := rt.registry.Get(msg.SenderID); ok && sc != origin {
		if err := sc.Send(confirm); err != nil {
			log.Warn().Err(err).Msg("confirmation to sender connection failed")
		}
	}
	if err := origin.Send(confirm); err != nil {
		log.Warn().Err(err).Msg("confirmation to origin failed")
	}

	log.Debug().Bool("recipient_online", recipientOnline).Msg("message routed")
	return recipientOnline
}

func (rt *Router) publish(ctx context.Context, msg *chat.Message, recipientOnline bool, log zerolog.Logger) {
	if rt.opts.Publisher == nil {
		return
	}
	id, err := common.NewULID()
	if err != nil {
		log.Error().Err(err).Msg("event id generation failed")
		return
	}
	ev := chat.NewMessageEvent(id, msg, recipientOnline)
	if err := rt.opts.Publisher.PublishMessageEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("publish message event failed")
	}
}
