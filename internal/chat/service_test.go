package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carelink/portal/internal/models"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.User{}, &Conversation{}, &Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id uint64, role models.Role) *models.User {
	t.Helper()
	u := &models.User{
		ID:           id,
		Email:        fmt.Sprintf("u%d@example.com", id),
		Username:     fmt.Sprintf("user%d", id),
		DisplayName:  fmt.Sprintf("User %d", id),
		PasswordHash: "x",
		Role:         role,
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user %d: %v", id, err)
	}
	return u
}

// fixture: 1 doctor, 2 patient, 3 patient, 4 doctor
func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	seedUser(t, db, 1, models.RoleDoctor)
	seedUser(t, db, 2, models.RolePatient)
	seedUser(t, db, 3, models.RolePatient)
	seedUser(t, db, 4, models.RoleDoctor)
	return NewService(NewRepo(db)), db
}

// steppingClock returns times one millisecond apart.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func TestSendMessage_CreatesConversationByStoredRole(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// patient sends first; doctor/patient assignment must follow stored roles
	msg, err := svc.SendMessage(ctx, SendInput{FromUserID: 2, ToUserID: 1, Content: "Hi doctor"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != StatusSent || msg.ID == 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}

	var conv Conversation
	if err := db.First(&conv, msg.ConversationID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.DoctorID != 1 || conv.PatientID != 2 {
		t.Fatalf("unexpected pair: doctor=%d patient=%d", conv.DoctorID, conv.PatientID)
	}
	if !conv.LastActivityAt.Equal(msg.CreatedAt) {
		t.Fatalf("last activity %s != message time %s", conv.LastActivityAt, msg.CreatedAt)
	}

	// reply reuses the same conversation
	reply, err := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "Hello"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ConversationID != msg.ConversationID {
		t.Fatalf("reply landed in conversation %d, want %d", reply.ConversationID, msg.ConversationID)
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"self", SendInput{FromUserID: 1, ToUserID: 1, Content: "x"}, ErrSelfSend},
		{"empty", SendInput{FromUserID: 1, ToUserID: 2, Content: "  "}, ErrEmptyMessage},
		{"missing user", SendInput{FromUserID: 1, ToUserID: 99, Content: "x"}, ErrUserNotFound},
		{"doctor to doctor", SendInput{FromUserID: 1, ToUserID: 4, Content: "x"}, ErrInvalidPair},
		{"patient to patient", SendInput{FromUserID: 2, ToUserID: 3, Content: "x"}, ErrInvalidPair},
		{"too long", SendInput{FromUserID: 1, ToUserID: 2, Content: strings.Repeat("a", maxContentLen+1)}, ErrMessageTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SendMessage(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	var n int64
	db.Model(&Conversation{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected sends must not create conversations, got %d", n)
	}
}

func TestSendMessage_ImageOnly(t *testing.T) {
	svc, _ := newTestService(t)
	img := "data:image/png;base64,AAAA"
	msg, err := svc.SendMessage(context.Background(), SendInput{FromUserID: 1, ToUserID: 2, ImageData: &img})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ImageData == nil || *msg.ImageData != img {
		t.Fatalf("image not stored")
	}
}

func TestSendMessage_RollsBackConversationWhenInsertFails(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// make the message insert fail inside the transaction
	if err := db.Migrator().DropTable(&Message{}); err != nil {
		t.Fatalf("drop messages: %v", err)
	}
	if _, err := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "x"}); err == nil {
		t.Fatalf("expected insert failure")
	}

	var n int64
	if err := db.Model(&Conversation{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("conversation must be rolled back with the failed message, got %d rows", n)
	}
}

func TestEnsureConversation_ConcurrentCallersShareOneRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]uint64, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := uint64(1), uint64(2)
			if i%2 == 1 {
				a, b = b, a // both sides of the pair race
			}
			c, _, err := svc.EnsureConversation(ctx, a, b)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got conversation %d, want %d", i, ids[i], ids[0])
		}
	}

	var n int64
	db.Model(&Conversation{}).Where("doctor_id = ? AND patient_id = ?", 1, 2).Count(&n)
	if n != 1 {
		t.Fatalf("expected exactly one conversation row, got %d", n)
	}
}

func TestEnsureConversation_ReportsCreated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c1, created, err := svc.EnsureConversation(ctx, 1, 2)
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	c2, created, err := svc.EnsureConversation(ctx, 2, 1)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected same conversation")
	}
}

func TestRepoEnsureConversation_FallsBackToExistingRowOnConflict(t *testing.T) {
	_, db := newTestService(t)
	repo := NewRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	existing := &Conversation{DoctorID: 1, PatientID: 2, LastActivityAt: now, CreatedAt: now}
	if err := db.Create(existing).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	// the insert path runs on the same transaction-scoped repo used by SendMessage
	err := repo.Transaction(ctx, func(tx *Repo) error {
		c, created, err := tx.EnsureConversation(ctx, 1, 2, now)
		if err != nil {
			return err
		}
		if created || c.ID != existing.ID {
			t.Errorf("expected existing conversation, got id=%d created=%v", c.ID, created)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestListMessages_AscendingAndMarksViewerMessagesRead(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	svc.now = steppingClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))

	m1, _ := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "one"})
	m2, _ := svc.SendMessage(ctx, SendInput{FromUserID: 2, ToUserID: 1, Content: "two"})
	m3, _ := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "three"})
	if m1 == nil || m2 == nil || m3 == nil {
		t.Fatalf("seed messages failed")
	}
	if err := svc.MarkDelivered(ctx, m3); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	msgs, err := svc.ListMessages(ctx, 2, m1.ConversationID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages not ascending at %d", i)
		}
	}

	for _, m := range msgs {
		switch m.RecipientID {
		case 2:
			if m.Status != StatusRead {
				t.Fatalf("message %d to viewer should be read, got %s", m.ID, m.Status)
			}
		default:
			if m.Status != StatusSent {
				t.Fatalf("message %d not addressed to viewer must be untouched, got %s", m.ID, m.Status)
			}
		}
	}

	var stored Message
	db.First(&stored, m3.ID)
	if stored.Status != StatusRead {
		t.Fatalf("read status not persisted: %s", stored.Status)
	}
}

func TestListMessages_Authorization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "private"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.ListMessages(ctx, 3, m.ConversationID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, 1, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	m, _ := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "a"})
	_, _ = svc.SendMessage(ctx, SendInput{FromUserID: 2, ToUserID: 1, Content: "b"})
	other, _ := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 3, Content: "c"})

	if err := svc.DeleteConversation(ctx, 3, m.ConversationID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non participant delete: expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, 2, m.ConversationID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var n int64
	db.Model(&Message{}).Where("conversation_id = ?", m.ConversationID).Count(&n)
	if n != 0 {
		t.Fatalf("expected messages removed, got %d", n)
	}
	db.Model(&Message{}).Where("conversation_id = ?", other.ConversationID).Count(&n)
	if n != 1 {
		t.Fatalf("other conversation's messages must survive, got %d", n)
	}
	if err := db.First(&Conversation{}, m.ConversationID).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("conversation row still present: %v", err)
	}
}

func TestEditAndDeleteMessage_SenderOnly(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	m, _ := svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 2, Content: "draft"})

	if _, err := svc.EditMessage(ctx, 2, m.ID, "hijack"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("recipient edit: expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteMessage(ctx, 2, m.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("recipient delete: expected ErrForbidden, got %v", err)
	}

	edited, err := svc.EditMessage(ctx, 1, m.ID, "final")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "final" || edited.EditedAt == nil {
		t.Fatalf("unexpected edited message: %+v", edited)
	}

	if err := svc.DeleteMessage(ctx, 1, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.First(&Message{}, m.ID).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("message still present: %v", err)
	}
	if err := svc.DeleteMessage(ctx, 1, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestListConversations_SortedByUnreadThenRecency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.now = steppingClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))

	// doctor 1 <-> patient 2: one unread for doctor, older
	_, _ = svc.SendMessage(ctx, SendInput{FromUserID: 2, ToUserID: 1, Content: "p2"})
	// doctor 1 <-> patient 3: read by doctor but most recent
	m3, _ := svc.SendMessage(ctx, SendInput{FromUserID: 3, ToUserID: 1, Content: "p3"})
	if _, err := svc.ListMessages(ctx, 1, m3.ConversationID); err != nil {
		t.Fatalf("read conversation: %v", err)
	}
	_, _ = svc.SendMessage(ctx, SendInput{FromUserID: 1, ToUserID: 3, Content: "reply"})

	sums, err := svc.ListConversations(ctx, 1, func(id uint64) bool { return id == 3 })
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(sums))
	}
	if sums[0].Other.ID != 2 || sums[0].UnreadCount != 1 {
		t.Fatalf("unread conversation should sort first: %+v", sums[0])
	}
	if sums[1].Other.ID != 3 || sums[1].UnreadCount != 0 || !sums[1].OtherOnline {
		t.Fatalf("unexpected second summary: %+v", sums[1])
	}
	if sums[1].LastMessage == nil || sums[1].LastMessage.Content != "reply" {
		t.Fatalf("unexpected last message: %+v", sums[1].LastMessage)
	}
	if sums[0].Other.Role != models.RolePatient {
		t.Fatalf("other party info missing: %+v", sums[0].Other)
	}
}

func TestRedirectDoctor_PrefersOnline(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.RedirectDoctor(ctx, []uint64{2, 4})
	if err != nil || d.ID != 4 {
		t.Fatalf("expected online doctor 4, got %+v err=%v", d, err)
	}
	d, err = svc.RedirectDoctor(ctx, nil)
	if err != nil || d.ID != 1 {
		t.Fatalf("expected lowest-id doctor 1, got %+v err=%v", d, err)
	}
}
