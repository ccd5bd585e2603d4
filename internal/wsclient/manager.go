// Package wsclient is the client side of the chat socket protocol: it keeps
// one connection open per session, registers on every open and reconnects
// with bounded exponential backoff until the session is closed.
package wsclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/realtime"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("wsclient: not connected")
	ErrClosed       = errors.New("wsclient: manager closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

const dedupWindow = 1024

type Options struct {
	URL     string
	Token   string // sent as a bearer token on every dial
	UserID  uint64
	Backoff Backoff
	Dialer  Dialer

	// Callbacks run on the read goroutine.
	OnMessage  func(msg *chat.Message, status chat.Status)
	OnPresence func(online []uint64)
	OnError    func(code, message string)
}

// inbound is the union of server -> client frames.
type inbound struct {
	Type        string              `json:"type"`
	OnlineUsers []uint64            `json:"onlineUsers"`
	Message     *chat.Message       `json:"message"`
	Status      chat.Status         `json:"status"`
	Error       *realtime.ErrorBody `json:"error"`
}

type Manager struct {
	opts Options
	log  zerolog.Logger

	// schedule arms a one-shot timer and returns its stop function.
	schedule func(d time.Duration, f func()) (stop func() bool)

	mu        sync.Mutex
	state     State
	attempts  int
	conn      Socket
	stopTimer func() bool
	timerSeq  uint64
	lastDelay time.Duration
	closed    bool

	writeMu sync.Mutex

	seenMu    sync.Mutex
	seen      map[uint64]struct{}
	seenOrder []uint64
}

func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer{}
	}
	opts.Backoff = opts.Backoff.normalized()
	return &Manager{
		opts: opts,
		log:  logging.With("wsclient").With().Uint64("user_id", opts.UserID).Logger(),
		schedule: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		seen: make(map[uint64]struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the number of reconnects scheduled since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastDelay is the delay of the most recently scheduled reconnect.
func (m *Manager) LastDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDelay
}

// Connect opens the socket unless one is already open or being opened.
// A failed dial schedules a reconnect and returns the dial error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked()
	m.state = StateConnecting
	m.mu.Unlock()

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	sock, err := m.opts.Dialer.Dial(ctx, m.opts.URL, header)

	m.mu.Lock()
	if err != nil {
		m.state = StateDisconnected
		if !m.closed {
			m.scheduleLocked()
		}
		delay := m.lastDelay
		m.mu.Unlock()
		m.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
		return err
	}
	if m.closed {
		m.state = StateDisconnected
		m.mu.Unlock()
		_ = sock.Close()
		return ErrClosed
	}
	m.conn = sock
	m.state = StateOpen
	m.attempts = 0
	m.mu.Unlock()

	m.log.Info().Msg("connected")
	go m.readLoop(sock)

	if err := m.write(sock, realtime.Inbound{Type: realtime.TypeRegister, UserID: m.opts.UserID}); err != nil {
		m.log.Warn().Err(err).Msg("register failed")
		_ = sock.Close()
	}
	return nil
}

// Close ends the session: the active socket is closed and no reconnect
// happens afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelTimerLocked()
	sock := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if sock == nil {
		return nil
	}
	m.writeMu.Lock()
	_ = sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"))
	m.writeMu.Unlock()
	return sock.Close()
}

// SendChat sends a chat_message over the open socket. ErrNotConnected tells
// the caller to use the REST path instead.
func (m *Manager) SendChat(toUserID uint64, content string, imageData *string) error {
	m.mu.Lock()
	sock, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateOpen || sock == nil {
		return ErrNotConnected
	}
	return m.write(sock, realtime.Inbound{
		Type:       realtime.TypeChatMessage,
		FromUserID: m.opts.UserID,
		ToUserID:   toUserID,
		Content:    content,
		ImageData:  imageData,
	})
}

func (m *Manager) write(sock Socket, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, b)
}

func (m *Manager) readLoop(sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(sock, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleClose(sock Socket, err error) {
	_ = sock.Close()

	m.mu.Lock()
	if m.conn != sock {
		// Close() or a newer connection already took over
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	if !m.closed {
		m.scheduleLocked()
	}
	delay := m.lastDelay
	m.mu.Unlock()

	m.log.Info().Err(err).Dur("retry_in", delay).Msg("connection lost")
}

// scheduleLocked arms the single reconnect timer. A pending timer is left
// alone so closes never stack reconnects.
func (m *Manager) scheduleLocked() {
	if m.stopTimer != nil {
		return
	}
	delay := m.opts.Backoff.Delay(m.attempts)
	m.attempts++
	m.lastDelay = delay

	m.timerSeq++
	seq := m.timerSeq
	m.stopTimer = m.schedule(delay, func() {
		m.mu.Lock()
		if m.timerSeq != seq || m.stopTimer == nil {
			m.mu.Unlock()
			return
		}
		m.stopTimer = nil
		m.mu.Unlock()
		_ = m.Connect(context.Background())
	})
}

func (m *Manager) cancelTimerLocked() {
	if m.stopTimer == nil {
		return
	}
	m.stopTimer()
	m.stopTimer = nil
	m.timerSeq++
}

func (m *Manager) handleFrame(data []byte) {
	var f inbound
	if err := json.Unmarshal(data, &f); err != nil {
		m.log.Debug().Err(err).Msg("malformed frame dropped")
		return
	}
	switch f.Type {
	case realtime.TypeOnlineStatus:
		if m.opts.OnPresence != nil {
			m.opts.OnPresence(f.OnlineUsers)
		}
	case realtime.TypeChatMessage:
		if f.Message == nil || !m.firstSeen(f.Message.ID) {
			return
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(f.Message, f.Status)
		}
	case realtime.TypeError:
		if f.Error != nil && m.opts.OnError != nil {
			m.opts.OnError(f.Error.Code, f.Error.Message)
		}
	}
}

// firstSeen records id and reports whether it was new. Only the most recent
// dedupWindow ids are remembered.
func (m *Manager) firstSeen(id uint64) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false
	}
	m.seen[id] = struct{}{}
	m.seenOrder = append(m.seenOrder, id)
	if len(m.seenOrder) > dedupWindow {
		delete(m.seen, m.seenOrder[0])
		m.seenOrder = m.seenOrder[1:]
	}
	return true
}
