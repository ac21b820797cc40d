package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autocheckin/internal/domain"
)

func testSettings() domain.NotificationSettings {
	return domain.NotificationSettings{
		Enabled:   true,
		CorpID:    "corp1",
		Secret:    "s3cret",
		AgentID:   "1000002",
		Recipient: "@all",
	}
}

// wecomFake stands in for the WeCom API. sendErrcodes is consumed one per
// message/send call; empty means always 0.
type wecomFake struct {
	mu           sync.Mutex
	tokenFetches atomic.Int32
	sends        atomic.Int32
	tokenDelay   time.Duration
	sendErrcodes []int
}

func (f *wecomFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		n := f.tokenFetches.Add(1)
		fmt.Fprintf(w, `{"errcode":0,"access_token":"tok-%d","expires_in":7200}`, n)
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		f.sends.Add(1)
		var payload struct {
			ToUser  string `json:"touser"`
			MsgType string `json:"msgtype"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("send payload not JSON: %v", err)
		}
		if payload.MsgType != "text" {
			t.Errorf("msgtype = %q, want text", payload.MsgType)
		}
		code := 0
		f.mu.Lock()
		if len(f.sendErrcodes) > 0 {
			code = f.sendErrcodes[0]
			f.sendErrcodes = f.sendErrcodes[1:]
		}
		f.mu.Unlock()
		fmt.Fprintf(w, `{"errcode":%d,"errmsg":"x"}`, code)
	})
	return mux
}

func TestDisabledIsSilentNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("network activity on disabled settings: %s", r.URL.Path)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, srv.Client())
	settings := testSettings()
	settings.Enabled = false
	if err := d.Send(context.Background(), settings, "t", "c"); err != nil {
		t.Fatalf("Send() with disabled settings = %v, want nil", err)
	}
}

func TestIncompleteSettingsFailAtDispatch(t *testing.T) {
	d := NewDispatcher("http://127.0.0.1:0", nil)
	settings := testSettings()
	settings.Secret = ""
	if err := d.Send(context.Background(), settings, "t", "c"); err != ErrIncompleteSettings {
		t.Fatalf("Send() = %v, want ErrIncompleteSettings", err)
	}
}

func TestTokenCachedAcrossSends(t *testing.T) {
	fake := &wecomFake{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := NewDispatcher(srv.URL, srv.Client())
	for i := 0; i < 3; i++ {
		if err := d.Send(context.Background(), testSettings(), "t", "c"); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}
	if got := fake.tokenFetches.Load(); got != 1 {
		t.Fatalf("token fetched %d times over 3 sends, want 1", got)
	}
	if got := fake.sends.Load(); got != 3 {
		t.Fatalf("sends = %d, want 3", got)
	}
}

func TestConcurrentSendsSingleTokenFetch(t *testing.T) {
	fake := &wecomFake{tokenDelay: 100 * time.Millisecond}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := NewDispatcher(srv.URL, srv.Client())
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Send(context.Background(), testSettings(), "t", "c"); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fake.tokenFetches.Load(); got != 1 {
		t.Fatalf("token fetched %d times under concurrency, want 1 (single-flight)", got)
	}
}

func TestTokenRejectionRetriedOnce(t *testing.T) {
	fake := &wecomFake{sendErrcodes: []int{42001, 0}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := NewDispatcher(srv.URL, srv.Client())
	if err := d.Send(context.Background(), testSettings(), "t", "c"); err != nil {
		t.Fatalf("Send() error = %v, want recovery via fresh token", err)
	}
	if got := fake.tokenFetches.Load(); got != 2 {
		t.Fatalf("token fetched %d times, want 2 (initial + refresh)", got)
	}
	if got := fake.sends.Load(); got != 2 {
		t.Fatalf("sends = %d, want 2 (rejected + retry)", got)
	}
}

func TestTokenRejectionGivesUpAfterOneRetry(t *testing.T) {
	fake := &wecomFake{sendErrcodes: []int{42001, 42001, 42001}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := NewDispatcher(srv.URL, srv.Client())
	if err := d.Send(context.Background(), testSettings(), "t", "c"); err == nil {
		t.Fatal("Send() = nil, want error after retry also rejected")
	}
	if got := fake.sends.Load(); got != 2 {
		t.Fatalf("sends = %d, want exactly 2 (no retry loop)", got)
	}
}

func TestExpiredTokenRefetched(t *testing.T) {
	fake := &wecomFake{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := NewDispatcher(srv.URL, srv.Client())
	now := time.Now()
	d.now = func() time.Time { return now }

	if err := d.Send(context.Background(), testSettings(), "t", "c"); err != nil {
		t.Fatal(err)
	}
	// Jump past the cached expiry.
	now = now.Add(3 * time.Hour)
	if err := d.Send(context.Background(), testSettings(), "t", "c"); err != nil {
		t.Fatal(err)
	}
	if got := fake.tokenFetches.Load(); got != 2 {
		t.Fatalf("token fetched %d times, want 2 after expiry", got)
	}
}
