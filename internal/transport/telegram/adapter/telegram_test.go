package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"classbell/internal/notifier"
	logx "classbell/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"blocked", tele.ErrBlockedByUser, true},
		{"blocked wrapped", fmt.Errorf("telebot: %w", tele.ErrBlockedByUser), true},
		{"chat not found", tele.ErrChatNotFound, true},
		{"deactivated", tele.ErrUserIsDeactivated, true},
		{"kicked", tele.ErrKickedFromGroup, true},
		{"not started", tele.ErrNotStartedByUser, true},
		{"other 400", &tele.Error{Code: 400, Description: "Bad Request: message text is empty"}, true},
		{"other 403", &tele.Error{Code: 403, Description: "Forbidden: something new"}, true},
		{"flood", &tele.Error{Code: 429, Description: "Too Many Requests: retry after 3"}, false},
		{"server", &tele.Error{Code: 502, Description: "Bad Gateway"}, false},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, false},
		{"deadline", context.DeadlineExceeded, false},
		{"phrase only", errors.New("telegram: bot was blocked by the user"), true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			if !errors.Is(got, tc.err) {
				t.Fatalf("cause lost: %v", got)
			}
			if notifier.IsPermanent(got) != tc.permanent {
				t.Fatalf("permanent=%v, want %v (%v)", notifier.IsPermanent(got), tc.permanent, got)
			}
			if !tc.permanent && !errors.Is(got, notifier.ErrDispatchTransient) {
				t.Fatalf("expected transient, got %v", got)
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	line := strings.Repeat("a", 6)
	text := strings.Join([]string{line, line, line, line}, "\n")
	got := splitTelegramText(text, 15, "")
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %q", got)
	}
	for _, c := range got {
		if len([]rune(c)) > 15 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk keeps newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != text {
		t.Fatalf("newline split lost text: %q", got)
	}
}

type apiCall struct {
	Method string
	ChatID string
	Text   string
}

func fakeAPI(t *testing.T, handle func(call apiCall) (int, string)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		body, _ := io.ReadAll(r.Body)
		var params map[string]any
		_ = json.Unmarshal(body, &params)
		call := apiCall{Method: r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]}
		call.ChatID = fmt.Sprint(params["chat_id"])
		call.Text = fmt.Sprint(params["text"])
		code, resp := handle(call)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	var last atomic.Value
	srv, calls := fakeAPI(t, func(c apiCall) (int, string) {
		last.Store(c)
		if c.ChatID == "13" {
			return http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
		}
		return http.StatusOK, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":` + c.ChatID + `,"type":"private"}}}`
	})

	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := a.Dispatch(context.Background(), notifier.Notification{ChatID: 42, Text: "Classes start in 15 min (10:20)"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	c := last.Load().(apiCall)
	if c.Method != "sendMessage" || c.ChatID != "42" || c.Text != "Classes start in 15 min (10:20)" {
		t.Fatalf("unexpected call %+v", c)
	}

	err = a.Dispatch(context.Background(), notifier.Notification{ChatID: 13, Text: "x"})
	if !notifier.IsPermanent(err) {
		t.Fatalf("blocked chat should be permanent, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d", calls.Load())
	}
	if sent, failed := a.Stats(); sent != 1 || failed != 1 {
		t.Fatalf("stats sent=%d failed=%d", sent, failed)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
