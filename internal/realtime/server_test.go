package realtime

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/gorilla/websocket"
)

type frame struct {
	Type        string        `json:"type"`
	OnlineUsers []uint64      `json:"onlineUsers"`
	Message     *chat.Message `json:"message"`
	Status      chat.Status   `json:"status"`
	Error       *ErrorBody    `json:"error"`
}

func startWSServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	db := openTestDB(t)
	reg := NewRegistry()
	router := NewRouter(chat.NewService(chat.NewRepo(db)), reg, RouterOptions{})
	srv := NewServer(reg, router, ServerOptions{PingInterval: time.Second})

	// uid stands in for the identity the HTTP layer extracts from the JWT
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := strconv.ParseUint(r.URL.Query().Get("uid"), 10, 64)
		if err != nil {
			http.Error(w, "bad uid", http.StatusUnauthorized)
			return
		}
		srv.Serve(w, r, uid)
	}))
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server, uid uint64) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?uid=" + strconv.FormatUint(uid, 10)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Type == typ && (match == nil || match(f)) {
			return f
		}
	}
}

func presenceIs(want ...uint64) func(frame) bool {
	return func(f frame) bool { return reflect.DeepEqual(f.OnlineUsers, want) }
}

func TestServer_RegisterAndChat(t *testing.T) {
	ts, _ := startWSServer(t)

	doctor := dial(t, ts, 1)
	if err := doctor.WriteJSON(Inbound{Type: TypeRegister, UserID: 1}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, doctor, TypeOnlineStatus, presenceIs(1))

	patient := dial(t, ts, 2)
	if err := patient.WriteJSON(Inbound{Type: TypeRegister, UserID: 2}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, patient, TypeOnlineStatus, presenceIs(1, 2))
	readUntil(t, doctor, TypeOnlineStatus, presenceIs(1, 2))

	if err := doctor.WriteJSON(Inbound{Type: TypeChatMessage, FromUserID: 1, ToUserID: 2, Content: "Hello"}); err != nil {
		t.Fatal(err)
	}
	got := readUntil(t, patient, TypeChatMessage, nil)
	if got.Message == nil || got.Message.Content != "Hello" || got.Message.SenderID != 1 {
		t.Fatalf("patient got %+v", got)
	}
	confirm := readUntil(t, doctor, TypeChatMessage, nil)
	if confirm.Status != chat.StatusDelivered || confirm.Message.ID != got.Message.ID {
		t.Fatalf("doctor confirmation %+v", confirm)
	}
}

func TestServer_DisconnectBroadcastsPresence(t *testing.T) {
	ts, _ := startWSServer(t)

	doctor := dial(t, ts, 1)
	_ = doctor.WriteJSON(Inbound{Type: TypeRegister, UserID: 1})
	readUntil(t, doctor, TypeOnlineStatus, presenceIs(1))

	patient := dial(t, ts, 2)
	_ = patient.WriteJSON(Inbound{Type: TypeRegister, UserID: 2})
	readUntil(t, doctor, TypeOnlineStatus, presenceIs(1, 2))

	_ = patient.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = patient.Close()

	readUntil(t, doctor, TypeOnlineStatus, presenceIs(1))
}

func TestServer_RegisterForAnotherUserRejected(t *testing.T) {
	ts, srv := startWSServer(t)

	conn := dial(t, ts, 2)
	if err := conn.WriteJSON(Inbound{Type: TypeRegister, UserID: 1}); err != nil {
		t.Fatal(err)
	}
	f := readUntil(t, conn, TypeError, nil)
	if f.Error == nil || f.Error.Code != CodeForbidden {
		t.Fatalf("unexpected error frame %+v", f)
	}
	if srv.registry.IsOnline(1) || srv.registry.IsOnline(2) {
		t.Fatalf("no user should be registered")
	}
}

func TestServer_MalformedFrameIgnored(t *testing.T) {
	ts, _ := startWSServer(t)

	conn := dial(t, ts, 1)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	// the connection survives and still accepts a register
	_ = conn.WriteJSON(Inbound{Type: TypeRegister, UserID: 1})
	readUntil(t, conn, TypeOnlineStatus, presenceIs(1))
}

func TestServer_CheckOrigin(t *testing.T) {
	srv := NewServer(NewRegistry(), nil, ServerOptions{AllowedOrigins: []string{"portal.example.com"}})

	cases := map[string]bool{
		"":                           true,
		"https://portal.example.com": true,
		"https://evil.example.com":   false,
		"http://PORTAL.example.com":  true,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := srv.checkOrigin(r); got != want {
			t.Errorf("origin %q: got %v want %v", origin, got, want)
		}
	}
}
