package realtime

import "github.com/carelink/portal/internal/chat"

// Event types carried in the "type" field of every frame.
const (
	TypeRegister     = "register"
	TypeChatMessage  = "chat_message"
	TypeOnlineStatus = "online_status"
	TypeError        = "error"
)

// Error codes sent back to the originating connection.
const (
	CodeBadRequest    = "bad_request"
	CodeForbidden     = "forbidden"
	CodeUnknownUser   = "unknown_user"
	CodeSelfSend      = "self_send"
	CodeInvalidPair   = "invalid_pair"
	CodePersistFailed = "persist_failed"
)

// Inbound is the union of client -> server frames.
type Inbound struct {
	Type       string  `json:"type"`
	UserID     uint64  `json:"userId,omitempty"`
	FromUserID uint64  `json:"fromUserId,omitempty"`
	ToUserID   uint64  `json:"toUserId,omitempty"`
	Content    string  `json:"content,omitempty"`
	ImageData  *string `json:"imageData,omitempty"`
}

type OnlineStatusEvent struct {
	Type        string   `json:"type"`
	OnlineUsers []uint64 `json:"onlineUsers"`
}

type ChatMessageEvent struct {
	Type    string        `json:"type"`
	Message *chat.Message `json:"message"`
	Status  chat.Status   `json:"status,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorEvent struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

func onlineStatus(ids []uint64) OnlineStatusEvent {
	if ids == nil {
		ids = []uint64{}
	}
	return OnlineStatusEvent{Type: TypeOnlineStatus, OnlineUsers: ids}
}

func errorEvent(code, msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: ErrorBody{Code: code, Message: msg}}
}
