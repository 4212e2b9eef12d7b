package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/knightofdemons/a9-v720/internal/protocol"
	"github.com/knightofdemons/a9-v720/internal/session"
)

func newTestServer() (*Server, *session.Registry) {
	reg := session.NewRegistry(4)
	s := New(reg)
	return s, reg
}

func handlerUnderTest(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleListSessions)
	mux.HandleFunc("/sessions/", s.handleSessionRoutes)
	return mux
}

func TestListSessionsEmpty(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty list, got %d", len(out))
	}
}

func TestListSessionsIncludesRegisteredDevice(t *testing.T) {
	s, reg := newTestServer()
	sess := reg.GetOrCreate("192.168.1.50")
	sess.Lock()
	sess.Register("0800c001ABCD", "tok")
	sess.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	var out []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0]["device_id"] != "0800c001ABCD" {
		t.Errorf("out = %v", out)
	}
}

func TestSessionInfoUnknownDeviceIs404(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestSessionInfoReturnsState(t *testing.T) {
	s, reg := newTestServer()
	sess := reg.GetOrCreate("192.168.1.50")
	sess.Lock()
	sess.Register("dev1", "tok")
	sess.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/sessions/dev1", nil)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	var info map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info["state"] != "Registered" {
		t.Errorf("state = %v, want Registered", info["state"])
	}
}

func TestQueueCommandStartStreamSetsPending(t *testing.T) {
	s, reg := newTestServer()
	sess := reg.GetOrCreate("192.168.1.50")
	sess.Lock()
	sess.Register("dev1", "tok")
	sess.Unlock()

	body := bytes.NewBufferString(`{"command":"StartStream","target":"abc","cli_token":"xyz"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/dev1/command", body)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	sess.Lock()
	pending := sess.Pending
	target := sess.Target
	sess.Unlock()
	if pending != session.StartStream {
		t.Errorf("Pending = %v, want StartStream", pending)
	}
	if target != "abc" {
		t.Errorf("Target = %q, want abc", target)
	}
}

func TestQueueCommandUnknownCommandIsBadRequest(t *testing.T) {
	s, reg := newTestServer()
	sess := reg.GetOrCreate("192.168.1.50")
	sess.Lock()
	sess.Register("dev1", "tok")
	sess.Unlock()

	body := bytes.NewBufferString(`{"command":"Bogus"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/dev1/command", body)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestLatestFrameNoneYieldsNoContent(t *testing.T) {
	s, reg := newTestServer()
	sess := reg.GetOrCreate("192.168.1.50")
	sess.Lock()
	sess.Register("dev1", "tok")
	sess.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/sessions/dev1/frame", nil)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestLatestFrameReturnsJPEGBytes(t *testing.T) {
	s, reg := newTestServer()
	sess := reg.GetOrCreate("192.168.1.50")
	sess.Lock()
	sess.Register("dev1", "tok")
	sess.Unlock()

	fake := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	sess.Reassembler.AddFragment(protocol.FragStart, fake[:1])
	sess.Reassembler.AddFragment(protocol.FragEnd, fake[1:])

	req := httptest.NewRequest(http.MethodGet, "/sessions/dev1/frame", nil)
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("Content-Type = %q", got)
	}
	if !bytes.Equal(w.Body.Bytes(), fake) {
		t.Errorf("body = %x, want %x", w.Body.Bytes(), fake)
	}
}

func TestAcceptsBrotli(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	if !acceptsBrotli(req) {
		t.Error("expected acceptsBrotli to be true")
	}
	req2 := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req2.Header.Set("Accept-Encoding", "gzip")
	if acceptsBrotli(req2) {
		t.Error("expected acceptsBrotli to be false")
	}
}

func TestListSessionsBrotliCompressesLargeBody(t *testing.T) {
	s, reg := newTestServer()
	for i := 0; i < 50; i++ {
		sess := reg.GetOrCreate("10.0.0." + string(rune('1'+i%9)))
		sess.Lock()
		sess.Register("device-with-a-long-id-"+string(rune('a'+i%26)), "tok")
		sess.Unlock()
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	handlerUnderTest(s).ServeHTTP(w, req)

	if enc := w.Header().Get("Content-Encoding"); enc != "br" {
		t.Errorf("Content-Encoding = %q, want br for a listing over threshold", enc)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "json") {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
}
