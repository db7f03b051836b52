package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cronbot/internal/transport"
	"cronbot/pkg/logx"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	chunks := splitText(text, 70, "")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d: %q", len(chunks), chunks)
	}
	if chunks[0] != line+"\n"+line {
		t.Fatalf("first chunk = %q", chunks[0])
	}
	if got := strings.Join(chunks, "\n"); got != text {
		t.Fatalf("rejoined text differs")
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 15) + "<b>bold</b>" + strings.Repeat("y", 10)
	for _, c := range splitText(text, 20, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk cuts a tag: %q", c)
		}
	}
}

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	if got := splitText("hi", 0, ""); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("got %q", got)
	}
}

type fakeAPI struct {
	mu     sync.Mutex
	bodies []string
	fail   bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, r.URL.Path+" "+string(body))
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
		return
	}
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
}

func TestSenderPostsSendMessage(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SendText(context.Background(), transport.ChatTarget{ChatID: 42}, "job failed", nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.bodies) != 1 {
		t.Fatalf("requests = %d", len(api.bodies))
	}
	got := api.bodies[0]
	if !strings.HasPrefix(got, "/bot123:abc/sendMessage ") || !strings.Contains(got, "job failed") || !strings.Contains(got, "42") {
		t.Fatalf("request = %s", got)
	}
}

func TestSenderReportsAPIError(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{fail: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.SendText(context.Background(), transport.ChatTarget{ChatID: 42}, "x", nil)
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestSenderRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	s, err := New(Config{Token: "123:abc", APIURL: "http://127.0.0.1:1"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SendText(context.Background(), transport.ChatTarget{}, "x", nil); err == nil {
		t.Fatal("zero chat id accepted")
	}
}
