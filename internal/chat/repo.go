package chat

import (
	"context"
	"errors"
	"time"

	"github.com/carelink/portal/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn against a repo bound to a single database transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// Users

func (r *Repo) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *Repo) GetUsers(ctx context.Context, ids []uint64) (map[uint64]models.User, error) {
	out := make(map[uint64]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// FirstDoctor returns the lowest-id doctor, preferring ids in prefer.
func (r *Repo) FirstDoctor(ctx context.Context, prefer []uint64) (*models.User, error) {
	var u models.User
	if len(prefer) > 0 {
		err := r.db.WithContext(ctx).
			Where("role = ? AND id IN ?", models.RoleDoctor, prefer).
			Order("id ASC").
			First(&u).Error
		if err == nil {
			return &u, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if err := r.db.WithContext(ctx).
		Where("role = ?", models.RoleDoctor).
		Order("id ASC").
		First(&u).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

// Conversations

func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &c, nil
}

func (r *Repo) findConversation(ctx context.Context, doctorID, patientID uint64, lock bool) (*Conversation, error) {
	q := r.db.WithContext(ctx)
	if lock {
		// a locking read sees rows committed after this transaction's snapshot
		q = q.Clauses(clause.Locking{Strength: "SHARE"})
	}
	var c Conversation
	if err := q.Where("doctor_id = ? AND patient_id = ?", doctorID, patientID).
		First(&c).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &c, nil
}

func (r *Repo) FindConversation(ctx context.Context, doctorID, patientID uint64) (*Conversation, error) {
	return r.findConversation(ctx, doctorID, patientID, false)
}

// EnsureConversation returns the conversation for the pair, creating it if
// absent. Concurrent callers rely on the unique (doctor_id, patient_id)
// index: the insert runs in its own (nested) transaction, and a failed insert
// falls back to reading the row the winner committed.
func (r *Repo) EnsureConversation(ctx context.Context, doctorID, patientID uint64, now time.Time) (*Conversation, bool, error) {
	if c, err := r.FindConversation(ctx, doctorID, patientID); err == nil {
		return c, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	c := &Conversation{
		DoctorID:       doctorID,
		PatientID:      patientID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	createErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(c).Error
	})
	if createErr == nil {
		return c, true, nil
	}

	existing, err := r.findConversation(ctx, doctorID, patientID, true)
	if err == nil {
		return existing, false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, false, createErr
	}
	return nil, false, err
}

func (r *Repo) TouchConversation(ctx context.Context, id uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("last_activity_at", at).Error
}

func (r *Repo) ListConversationsForUser(ctx context.Context, userID uint64) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("doctor_id = ? OR patient_id = ?", userID, userID).
		Order("last_activity_at DESC, id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// DeleteConversation removes the conversation and every message in it.
// Callers must run it inside Transaction.
func (r *Repo) DeleteConversation(ctx context.Context, id uint64) error {
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Delete(&Message{}).Error; err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Delete(&Conversation{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &m, nil
}

// ListMessages returns messages in ASC send-time order (oldest -> newest).
func (r *Repo) ListMessages(ctx context.Context, conversationID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) LastMessage(ctx context.Context, conversationID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&m).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &m, nil
}

func (r *Repo) SetMessageStatus(ctx context.Context, id uint64, status Status) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// MarkRead flips every message addressed to recipientID in the conversation
// to read and reports how many rows changed.
func (r *Repo) MarkRead(ctx context.Context, conversationID, recipientID uint64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND recipient_id = ? AND status <> ?", conversationID, recipientID, StatusRead).
		Update("status", StatusRead)
	return res.RowsAffected, res.Error
}

func (r *Repo) UnreadCounts(ctx context.Context, recipientID uint64) (map[uint64]int64, error) {
	type row struct {
		ConversationID uint64
		N              int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("recipient_id = ? AND status <> ?", recipientID, StatusRead).
		Group("conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64]int64, len(rows))
	for _, rw := range rows {
		out[rw.ConversationID] = rw.N
	}
	return out, nil
}

func (r *Repo) UpdateMessageContent(ctx context.Context, id uint64, content string, editedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":   content,
			"edited_at": editedAt,
		}).Error
}

func (r *Repo) DeleteMessage(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Delete(&Message{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
