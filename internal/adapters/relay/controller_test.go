package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/riomloves-sys/duocall/internal/adapters/signal"
)

func dialTestRelay(t *testing.T) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", NewController(NewHub()).HandleSignal)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegisterHandshake(t *testing.T) {
	conn := dialTestRelay(t)

	if err := conn.WriteJSON(signal.Frame{Op: signal.OpRegister, Identity: "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack signal.Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Op != signal.OpRegistered {
		t.Fatalf("ack op = %s, want registered", ack.Op)
	}
}

func TestMalformedRegisterIsNotReportedAsTaken(t *testing.T) {
	conn := dialTestRelay(t)

	// First frame is not a register at all.
	if err := conn.WriteJSON(signal.Frame{Op: signal.OpPublish, Channel: "chat:1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack signal.Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Op == signal.OpIdentityTaken {
		t.Fatal("protocol slip misreported as a duplicate identity")
	}
	if ack.Op != signal.OpError {
		t.Fatalf("ack op = %s, want error", ack.Op)
	}
}
