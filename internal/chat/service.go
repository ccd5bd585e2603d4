package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/carelink/portal/internal/models"
)

const (
	maxContentLen   = 4000
	maxImageDataLen = 8 << 20
)

type Service struct {
	repo *Repo
	now  func() time.Time
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// SendInput is a chat-send request after the sender has been authenticated.
type SendInput struct {
	FromUserID uint64
	ToUserID   uint64
	Content    string
	ImageData  *string
}

func (in SendInput) validate() error {
	hasImage := in.ImageData != nil && *in.ImageData != ""
	if strings.TrimSpace(in.Content) == "" && !hasImage {
		return ErrEmptyMessage
	}
	if len(in.Content) > maxContentLen {
		return ErrMessageTooLarge
	}
	if hasImage && len(*in.ImageData) > maxImageDataLen {
		return ErrMessageTooLarge
	}
	return nil
}

// pairRoles orders two users as (doctor, patient) by their stored roles,
// independent of who is sending.
func pairRoles(a, b *models.User) (doctorID, patientID uint64, err error) {
	if !a.Role.Valid() || b.Role != a.Role.Counterpart() {
		return 0, 0, ErrInvalidPair
	}
	if a.Role == models.RoleDoctor {
		return a.ID, b.ID, nil
	}
	return b.ID, a.ID, nil
}

func (s *Service) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	return s.repo.GetUser(ctx, id)
}

// RedirectDoctor picks the lowest-id doctor among online, or the lowest-id
// doctor overall when none of them is online.
func (s *Service) RedirectDoctor(ctx context.Context, online []uint64) (*models.User, error) {
	return s.repo.FirstDoctor(ctx, online)
}

// EnsureConversation finds or creates the conversation between two users.
func (s *Service) EnsureConversation(ctx context.Context, userA, userB uint64) (*Conversation, bool, error) {
	if userA == userB {
		return nil, false, ErrSelfSend
	}
	a, err := s.repo.GetUser(ctx, userA)
	if err != nil {
		return nil, false, err
	}
	b, err := s.repo.GetUser(ctx, userB)
	if err != nil {
		return nil, false, err
	}
	doctorID, patientID, err := pairRoles(a, b)
	if err != nil {
		return nil, false, err
	}
	return s.repo.EnsureConversation(ctx, doctorID, patientID, s.now())
}

// SendMessage persists a message in state sent. Conversation lookup-or-create,
// the insert and the last-activity bump commit together or not at all.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*Message, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.FromUserID == in.ToUserID {
		return nil, ErrSelfSend
	}
	from, err := s.repo.GetUser(ctx, in.FromUserID)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.GetUser(ctx, in.ToUserID)
	if err != nil {
		return nil, err
	}
	doctorID, patientID, err := pairRoles(from, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	msg := &Message{
		SenderID:    from.ID,
		RecipientID: to.ID,
		Content:     in.Content,
		ImageData:   in.ImageData,
		Status:      StatusSent,
		CreatedAt:   now,
	}
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		conv, _, err := tx.EnsureConversation(ctx, doctorID, patientID, now)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, conv.ID, msg.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkDelivered is a write-through status change; it does not depend on the
// recipient being reachable.
func (s *Service) MarkDelivered(ctx context.Context, msg *Message) error {
	if err := s.repo.SetMessageStatus(ctx, msg.ID, StatusDelivered); err != nil {
		return err
	}
	msg.Status = StatusDelivered
	return nil
}

func (s *Service) conversationFor(ctx context.Context, viewerID, conversationID uint64) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// ListMessages returns the conversation's messages oldest first. Every
// message addressed to the viewer is marked read before the list is loaded.
func (s *Service) ListMessages(ctx context.Context, viewerID, conversationID uint64) ([]Message, error) {
	conv, err := s.conversationFor(ctx, viewerID, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.MarkRead(ctx, conv.ID, viewerID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conv.ID)
}

func (s *Service) DeleteConversation(ctx context.Context, viewerID, conversationID uint64) error {
	if _, err := s.conversationFor(ctx, viewerID, conversationID); err != nil {
		return err
	}
	return s.repo.Transaction(ctx, func(tx *Repo) error {
		return tx.DeleteConversation(ctx, conversationID)
	})
}

// GetMessage returns a message visible to viewerID (its sender or recipient).
func (s *Service) GetMessage(ctx context.Context, viewerID, messageID uint64) (*Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != viewerID && msg.RecipientID != viewerID {
		return nil, ErrForbidden
	}
	return msg, nil
}

// SenderMessage returns messageID when callerID wrote it, ErrForbidden when
// someone else did.
func (s *Service) SenderMessage(ctx context.Context, callerID, messageID uint64) (*Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != callerID {
		return nil, ErrForbidden
	}
	return msg, nil
}

func (s *Service) EditMessage(ctx context.Context, callerID, messageID uint64, content string) (*Message, error) {
	msg, err := s.SenderMessage(ctx, callerID, messageID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > maxContentLen {
		return nil, ErrMessageTooLarge
	}
	now := s.now()
	if err := s.repo.UpdateMessageContent(ctx, msg.ID, content, now); err != nil {
		return nil, err
	}
	msg.Content = content
	msg.EditedAt = &now
	return msg, nil
}

func (s *Service) DeleteMessage(ctx context.Context, callerID, messageID uint64) error {
	if _, err := s.SenderMessage(ctx, callerID, messageID); err != nil {
		return err
	}
	return s.repo.DeleteMessage(ctx, messageID)
}

// ListConversations returns the user's conversations sorted by unread count
// (desc), then last activity (desc). isOnline may be nil.
func (s *Service) ListConversations(ctx context.Context, userID uint64, isOnline func(uint64) bool) ([]Summary, error) {
	convs, err := s.repo.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	otherIDs := make([]uint64, 0, len(convs))
	for i := range convs {
		otherIDs = append(otherIDs, convs[i].Other(userID))
	}
	others, err := s.repo.GetUsers(ctx, otherIDs)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		otherID := c.Other(userID)
		sum := Summary{
			Conversation: c,
			UnreadCount:  unread[c.ID],
		}
		if u, ok := others[otherID]; ok {
			sum.Other = u.Public()
		} else {
			sum.Other.ID = otherID
		}
		if isOnline != nil {
			sum.OtherOnline = isOnline(otherID)
		}
		last, err := s.repo.LastMessage(ctx, c.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		sum.LastMessage = last
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UnreadCount != out[j].UnreadCount {
			return out[i].UnreadCount > out[j].UnreadCount
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}
