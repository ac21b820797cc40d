package checkin

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"autocheckin/internal/domain"
)

// UA mimics the mobile WeChat browser the attendance platform expects.
const UA = "Mozilla/5.0 (Linux; Android 12; PAL-AL00 Build/HUAWEIPAL-AL00; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/116.0.0.0 Mobile Safari/537.36 XWEB/1160065 MMWEBSDK/20231202 MMWEBID/1136 MicroMessenger/8.0.47.2560(0x28002F35) WeChat/arm64 Weixin NetType/4G Language/zh_CN ABI/arm64"

const DefaultBaseURL = "http://k8n.cn"

var (
	rePunchCard = regexp.MustCompile(`punchcard_(\d+)`)
	rePunchPwd  = regexp.MustCompile(`punch_pwd_frm_(\d+)`)
	rePunchGPS  = regexp.MustCompile(`punch_gps\((\d+)\)`)
)

// Result is the terminal classification of one Execute call.
type Result struct {
	Outcome domain.Outcome
	Message string
	Lat     string
	Lng     string
}

// Options tune the retry policy; zero values pick conservative defaults.
type Options struct {
	MaxAttempts int           // transient-failure retries, default 3
	BaseDelay   time.Duration // first backoff delay, doubles per retry, default 2s
	MaxDelay    time.Duration // submit spacing cap, default 5s
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	return o
}

// Executor submits check-ins for one task at a time. It never touches the
// config store; recording fire state belongs to the scheduler.
type Executor struct {
	client  *http.Client
	baseURL string
	opts    Options
	logger  zerolog.Logger
}

func New(baseURL string, client *http.Client, opts Options) *Executor {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Executor{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts.withDefaults(),
		logger:  log.With().Str("component", "executor").Logger(),
	}
}

// Execute performs the full submission pipeline for one task. Transient
// failures are retried here with bounded exponential backoff; by the time
// Execute returns, the result is definitive and will not be retried today.
func (e *Executor) Execute(ctx context.Context, task domain.Task) Result {
	if strings.TrimSpace(task.Cookie) == "" {
		return Result{Outcome: domain.OutcomeConfig, Message: "no session credential"}
	}
	if task.ClassID == "" {
		return Result{Outcome: domain.OutcomeConfig, Message: "no class id"}
	}
	if err := validateCoordinates(task.Location.Lat, task.Location.Lng); err != nil {
		return Result{Outcome: domain.OutcomeConfig, Message: "bad coordinates: " + err.Error()}
	}

	delay := e.opts.BaseDelay
	var last Result
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		last = e.attempt(ctx, task)
		if !last.Outcome.Retryable() {
			return last
		}
		e.logger.Warn().
			Str("task", task.Name).
			Int("attempt", attempt).
			Str("reason", last.Message).
			Msg("transient failure")
		if attempt == e.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			last.Message = ctx.Err().Error()
			return last
		case <-time.After(delay):
		}
		delay *= 2
	}
	return last
}

// attempt runs one pass: list active punch sessions, then sign each.
func (e *Executor) attempt(ctx context.Context, task domain.Task) Result {
	ids, res := e.activeSessions(ctx, task)
	if res != nil {
		return *res
	}
	if len(ids) == 0 {
		return Result{Outcome: domain.OutcomeSuccess, Message: "no active check-in sessions"}
	}

	var msgs []string
	var lastLat, lastLng string
	for i, id := range ids {
		if i > 0 {
			// Space out submissions like a human tapping through cards.
			select {
			case <-ctx.Done():
				return Result{Outcome: domain.OutcomeTransient, Message: ctx.Err().Error()}
			case <-time.After(time.Duration(rand.Int63n(int64(e.opts.MaxDelay)))):
			}
		}
		r := e.sign(ctx, task, id)
		if r.Outcome != domain.OutcomeSuccess {
			return r
		}
		lastLat, lastLng = r.Lat, r.Lng
		msgs = append(msgs, fmt.Sprintf("session %s: %s", id, r.Message))
	}
	return Result{Outcome: domain.OutcomeSuccess, Message: strings.Join(msgs, "; "), Lat: lastLat, Lng: lastLng}
}

// activeSessions scrapes the course punch page for sessions not yet signed.
func (e *Executor) activeSessions(ctx context.Context, task domain.Task) ([]string, *Result) {
	pageURL := fmt.Sprintf("%s/student/course/%s/punchs", e.baseURL, task.ClassID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &Result{Outcome: domain.OutcomeConfig, Message: err.Error()}
	}
	e.setHeaders(req, task)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Result{Outcome: domain.OutcomeTransient, Message: err.Error()}
	}
	defer resp.Body.Close()
	if r := classifyStatus(resp.StatusCode); r != nil {
		return nil, r
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &Result{Outcome: domain.OutcomeTransient, Message: "parse course page: " + err.Error()}
	}
	if isLoginPage(doc) {
		return nil, &Result{Outcome: domain.OutcomeRejected, Message: "session expired, please log in again"}
	}

	seen := map[string]bool{}
	var ids []string
	doc.Find("div.card-body").Each(func(_ int, card *goquery.Selection) {
		html, err := card.Html()
		if err != nil {
			return
		}
		if strings.Contains(html, "已签") {
			return
		}
		for _, re := range []*regexp.Regexp{rePunchCard, rePunchPwd, rePunchGPS} {
			for _, m := range re.FindAllStringSubmatch(html, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					ids = append(ids, m[1])
				}
			}
		}
	})
	return ids, nil
}

// sign submits one check-in form and classifies the platform's answer. The
// coordinate is redrawn here, per submission, so neither two sessions in one
// run nor two retry attempts ever report the same exact point.
func (e *Executor) sign(ctx context.Context, task domain.Task, signID string) Result {
	lat, lng, err := jitterCoordinate(task.Location.Lat, task.Location.Lng, task.Location.Acc)
	if err != nil {
		return Result{Outcome: domain.OutcomeConfig, Message: "bad coordinates: " + err.Error()}
	}
	signURL := fmt.Sprintf("%s/student/punchs/course/%s/%s", e.baseURL, task.ClassID, signID)
	form := url.Values{
		"id":       {signID},
		"lat":      {lat},
		"lng":      {lng},
		"acc":      {task.Location.Acc},
		"res":      {""},
		"gps_addr": {""},
		"pwd":      {""},
	}
	res := e.postSign(ctx, task, signURL, form)
	res.Lat, res.Lng = lat, lng
	return res
}

func (e *Executor) postSign(ctx context.Context, task domain.Task, signURL string, form url.Values) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Outcome: domain.OutcomeConfig, Message: err.Error()}
	}
	e.setHeaders(req, task)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Outcome: domain.OutcomeTransient, Message: err.Error()}
	}
	defer resp.Body.Close()
	if r := classifyStatus(resp.StatusCode); r != nil {
		return *r
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Outcome: domain.OutcomeTransient, Message: err.Error()}
	}
	return classifyBody(string(body))
}

func (e *Executor) setHeaders(req *http.Request, task domain.Task) {
	req.Header.Set("User-Agent", UA)
	req.Header.Set("Referer", fmt.Sprintf("%s/student/course/%s", e.baseURL, task.ClassID))
	req.Header.Set("Cookie", strings.ReplaceAll(task.Cookie, "username=", ""))
}

func classifyStatus(code int) *Result {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Result{Outcome: domain.OutcomeRejected, Message: fmt.Sprintf("platform denied request (HTTP %d)", code)}
	case code >= 500:
		return &Result{Outcome: domain.OutcomeTransient, Message: fmt.Sprintf("platform error (HTTP %d)", code)}
	case code >= 400:
		return &Result{Outcome: domain.OutcomeRejected, Message: fmt.Sprintf("platform rejected request (HTTP %d)", code)}
	}
	return nil
}

func classifyBody(body string) Result {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	text := body
	if err == nil {
		text = doc.Text()
	}
	text = strings.TrimSpace(text)
	switch {
	case strings.Contains(text, "成功") || strings.Contains(text, "Success"):
		return Result{Outcome: domain.OutcomeSuccess, Message: "签到成功"}
	case strings.Contains(text, "登录") || strings.Contains(text, "login"):
		return Result{Outcome: domain.OutcomeRejected, Message: "session expired, please log in again"}
	default:
		return Result{Outcome: domain.OutcomeRejected, Message: excerpt(text, 50)}
	}
}

func isLoginPage(doc *goquery.Document) bool {
	title := strings.TrimSpace(doc.Find("title").Text())
	return strings.Contains(title, "登录") || strings.Contains(title, "login")
}

func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
