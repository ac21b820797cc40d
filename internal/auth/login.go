package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"autocheckin/internal/checkin"
)

const (
	DefaultQRBaseURL = "https://login.b8n.cn/qr/weixin/student/2"
	defaultConfirm   = "http://login.b8n.cn/weixin/login/student/2"
	defaultUIDLogin  = "https://bj.k8n.cn/student/uidlogin"

	// Sessions older than this report ErrExpired; the platform's QR codes
	// do not live much longer anyway.
	maxSessionAge = 3 * time.Minute
)

var (
	ErrExpired  = errors.New("login session expired")
	ErrUpstream = errors.New("login platform unreachable")

	reLoginURL = regexp.MustCompile(`https?://[^\s"']+`)
	reQRParam  = regexp.MustCompile(`[?&](sess|tm|sign)=([^&]+)`)
	reClassID  = regexp.MustCompile(`/student/course/(\d+)`)
)

// Session is a pending QR login handed back to the caller. QRPNG encodes the
// confirm URL the user scans; Token keys subsequent Poll calls.
type Session struct {
	Token     string
	QRPNG     []byte
	CreatedAt time.Time
}

// Credential is the durable result of a completed login.
type Credential struct {
	Cookie  string
	ClassID string
}

type session struct {
	client    *http.Client
	jar       *cookiejar.Jar
	pollURL   string
	createdAt time.Time
}

// Flow exchanges a short-lived QR challenge for a durable session cookie.
// It owns no background loop: the caller polls on its own cadence and simply
// stops when it loses interest. Stale sessions are pruned opportunistically.
type Flow struct {
	mu        sync.Mutex
	sessions  map[string]*session
	qrBaseURL string
	uidLogin  string
	timeout   time.Duration
}

func NewFlow(qrBaseURL string) *Flow {
	if qrBaseURL == "" {
		qrBaseURL = DefaultQRBaseURL
	}
	return &Flow{
		sessions:  make(map[string]*session),
		qrBaseURL: qrBaseURL,
		uidLogin:  defaultUIDLogin,
		timeout:   15 * time.Second,
	}
}

// Begin fetches the platform's login page, extracts the QR challenge
// parameters, and returns a rendered QR image plus an opaque poll token.
func (f *Flow) Begin(ctx context.Context) (*Session, error) {
	f.prune()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Jar: jar, Timeout: f.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.qrBaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", checkin.UA)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
	}

	params, err := extractQRParams(resp.Body)
	if err != nil {
		return nil, err
	}
	confirmURL := defaultConfirm + "?" + params.Encode()

	png, err := qrcode.Encode(confirmURL, qrcode.Medium, 256)
	if err != nil {
		return nil, err
	}

	s := &session{client: client, jar: jar, pollURL: f.qrBaseURL, createdAt: time.Now()}
	token := uuid.NewString()
	f.mu.Lock()
	f.sessions[token] = s
	f.mu.Unlock()

	return &Session{Token: token, QRPNG: png, CreatedAt: s.createdAt}, nil
}

// Poll checks whether the QR has been scanned and confirmed. It returns
// (nil, nil) while pending, the credential exactly once on success, and
// ErrExpired for unknown or overaged tokens.
func (f *Flow) Poll(ctx context.Context, token string) (*Credential, error) {
	f.prune()

	f.mu.Lock()
	s, ok := f.sessions[token]
	f.mu.Unlock()
	if !ok {
		return nil, ErrExpired
	}
	if time.Since(s.createdAt) > maxSessionAge {
		f.drop(token)
		return nil, ErrExpired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pollURL+"?op=checklogin", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", checkin.UA)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	var status struct {
		Status int    `json:"status"`
		URL    string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: decode poll response: %v", ErrUpstream, err)
	}
	if status.Status != 1 {
		return nil, nil
	}

	cred, err := f.finish(ctx, s, status.URL)
	if err != nil {
		return nil, err
	}
	f.drop(token)
	return cred, nil
}

// finish follows the post-confirmation redirect so the session jar picks up
// the platform cookies, then assembles the cookie header and class id.
func (f *Flow) finish(ctx context.Context, s *session, redirect string) (*Credential, error) {
	query := ""
	if i := strings.Index(redirect, "?"); i >= 0 {
		query = redirect[i+1:]
	}
	target := f.uidLogin + "?" + query

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", checkin.UA)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	u, err := url.Parse(f.uidLogin)
	if err != nil {
		return nil, err
	}
	var pairs []string
	for _, c := range s.jar.Cookies(u) {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no session cookie issued", ErrUpstream)
	}

	// Class id is best-effort: scraped from the landing page or the final
	// URL. The user can fill it in manually when the platform hides it.
	classID := ""
	if m := reClassID.FindStringSubmatch(resp.Request.URL.String()); m != nil {
		classID = m[1]
	} else if m := reClassID.FindSubmatch(body); m != nil {
		classID = string(m[1])
	}

	return &Credential{Cookie: strings.Join(pairs, "; "), ClassID: classID}, nil
}

func (f *Flow) drop(token string) {
	f.mu.Lock()
	delete(f.sessions, token)
	f.mu.Unlock()
}

// prune discards overaged sessions so abandoned logins cannot accumulate.
func (f *Flow) prune() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, s := range f.sessions {
		if time.Since(s.createdAt) > maxSessionAge {
			delete(f.sessions, token)
		}
	}
}

// extractQRParams finds the inline script carrying the confirm URL and pulls
// out the sess/tm/sign challenge parameters.
func extractQRParams(r io.Reader) (url.Values, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: parse login page: %v", ErrUpstream, err)
	}

	var params url.Values
	doc.Find("script").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		content := script.Text()
		if !strings.Contains(content, "login.b8n.cn") {
			return true
		}
		m := reLoginURL.FindString(content)
		if m == "" {
			return true
		}
		params = url.Values{}
		for _, cap := range reQRParam.FindAllStringSubmatch(m, -1) {
			params.Set(cap[1], cap[2])
		}
		return false
	})
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: could not extract QR challenge parameters", ErrUpstream)
	}
	return params, nil
}
