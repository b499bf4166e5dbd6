package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ghostlink/ghostlinkd/internal/eventbus"
)

// fakeEngine is a minimal Engine double for exercising the HTTP layer
// without the full session/transport stack.
type fakeEngine struct {
	bus          *eventbus.Bus
	connectErr   error
	sendErr      error
	lastConnect  string
	disconnected bool
	cleared      bool
}

func newFakeEngine(state eventbus.AppState) *fakeEngine {
	return &fakeEngine{bus: eventbus.New(state)}
}

func (f *fakeEngine) Bus() *eventbus.Bus { return f.bus }
func (f *fakeEngine) Connect(ip string, port int) error {
	f.lastConnect = ip
	return f.connectErr
}
func (f *fakeEngine) Disconnect()            { f.disconnected = true }
func (f *fakeEngine) SendMessage(s string) error { return f.sendErr }
func (f *fakeEngine) ClearChat()              { f.cleared = true }

func TestHandleStateReturnsSnapshot(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusDisconnected})
	srv := New(eng, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["state"]; !ok {
		t.Fatalf("missing state key in response")
	}
}

func TestHandleConnectRejectsBadIP(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusDisconnected})
	srv := New(eng, nil)

	body, _ := json.Marshal(connectRequest{IP: "not-an-ip", Port: 4000})
	req := httptest.NewRequest(http.MethodPost, "/api/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleConnectAcceptsPastedAddress(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusDisconnected})
	srv := New(eng, nil)

	body, _ := json.Marshal(connectRequest{Address: "2.2.2.2:40001"})
	req := httptest.NewRequest(http.MethodPost, "/api/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	if eng.lastConnect != "2.2.2.2" {
		t.Fatalf("lastConnect = %q, want 2.2.2.2", eng.lastConnect)
	}
}

func TestHandleConnectRejectsWhenNotDisconnected(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusConnected})
	srv := New(eng, nil)

	body, _ := json.Marshal(connectRequest{IP: "2.2.2.2", Port: 40001})
	req := httptest.NewRequest(http.MethodPost, "/api/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleDisconnectIsIdempotent(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusDisconnected})
	srv := New(eng, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/disconnect", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !eng.disconnected {
		t.Fatalf("Disconnect was not called")
	}
}

func TestHandleMessageRequiresConnected(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusDisconnected})
	srv := New(eng, nil)

	body, _ := json.Marshal(messageRequest{Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleMessageRejectsOversized(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusConnected})
	srv := New(eng, nil)

	huge := make([]byte, maxMessageBytes+1)
	body, _ := json.Marshal(messageRequest{Message: string(huge)})
	req := httptest.NewRequest(http.MethodPost, "/api/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleClear(t *testing.T) {
	eng := newFakeEngine(eventbus.AppState{Status: eventbus.StatusConnected})
	srv := New(eng, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/clear", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !eng.cleared {
		t.Fatalf("ClearChat was not called")
	}
}

func TestParsePeerAddressAndSplitPasted(t *testing.T) {
	if _, _, err := ParsePeerAddress("2.2.2.2", 70000); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
	ip, port, err := SplitPasted("2.2.2.2:40001")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if ip != "2.2.2.2" || port != 40001 {
		t.Fatalf("got %s:%d", ip, port)
	}
	if _, _, err := SplitPasted("not-valid"); err == nil {
		t.Fatalf("expected error for malformed paste")
	}
}
