package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"autocheckin/internal/domain"
)

const DefaultAPIBase = "https://qyapi.weixin.qq.com"

// tokenSafety is shaved off the provider's expires_in so we never present a
// token right at its expiry edge.
const tokenSafety = 60 * time.Second

var ErrIncompleteSettings = errors.New("notification settings incomplete")

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Dispatcher delivers outcome messages over WeCom. The access token is
// cached per (corp_id, secret) pair and refreshed through singleflight so
// concurrent sends trigger at most one fetch.
type Dispatcher struct {
	client  *http.Client
	apiBase string

	mu     sync.Mutex
	tokens map[string]cachedToken
	group  singleflight.Group
	now    func() time.Time
}

func NewDispatcher(apiBase string, client *http.Client) *Dispatcher {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		client:  client,
		apiBase: apiBase,
		tokens:  make(map[string]cachedToken),
		now:     time.Now,
	}
}

// Send delivers a titled text message to the configured recipient. Disabled
// settings are a silent success; incomplete settings fail at dispatch time,
// never at save time. A token-rejection answer invalidates the cache and
// retries once with a fresh token.
func (d *Dispatcher) Send(ctx context.Context, settings domain.NotificationSettings, title, content string) error {
	if !settings.Enabled {
		return nil
	}
	if settings.CorpID == "" || settings.Secret == "" || settings.AgentID == "" || settings.Recipient == "" {
		return ErrIncompleteSettings
	}

	token, err := d.token(ctx, settings)
	if err != nil {
		return err
	}
	errcode, err := d.post(ctx, settings, token, title, content)
	if err != nil {
		return err
	}
	if tokenRejected(errcode) {
		d.invalidate(settings)
		token, err = d.token(ctx, settings)
		if err != nil {
			return err
		}
		errcode, err = d.post(ctx, settings, token, title, content)
		if err != nil {
			return err
		}
	}
	if errcode != 0 {
		return fmt.Errorf("wecom send failed: errcode %d", errcode)
	}
	return nil
}

// 40001: invalid secret, 40014: invalid token, 42001: token expired.
func tokenRejected(errcode int) bool {
	return errcode == 40001 || errcode == 40014 || errcode == 42001
}

func (d *Dispatcher) cacheKey(s domain.NotificationSettings) string {
	return s.CorpID + "|" + s.Secret
}

func (d *Dispatcher) invalidate(s domain.NotificationSettings) {
	d.mu.Lock()
	delete(d.tokens, d.cacheKey(s))
	d.mu.Unlock()
}

// token returns the cached access token, fetching through singleflight when
// missing or expired.
func (d *Dispatcher) token(ctx context.Context, s domain.NotificationSettings) (string, error) {
	key := d.cacheKey(s)

	d.mu.Lock()
	cached, ok := d.tokens[key]
	d.mu.Unlock()
	if ok && d.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while we queued.
		d.mu.Lock()
		cached, ok := d.tokens[key]
		d.mu.Unlock()
		if ok && d.now().Before(cached.expiresAt) {
			return cached.value, nil
		}
		return d.fetchToken(ctx, s)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Dispatcher) fetchToken(ctx context.Context, s domain.NotificationSettings) (string, error) {
	u := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		d.apiBase, url.QueryEscape(s.CorpID), url.QueryEscape(s.Secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wecom token fetch: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("wecom token fetch: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("wecom token fetch: errcode %d: %s", body.ErrCode, body.ErrMsg)
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl > tokenSafety {
		ttl -= tokenSafety
	}
	d.mu.Lock()
	d.tokens[d.cacheKey(s)] = cachedToken{value: body.AccessToken, expiresAt: d.now().Add(ttl)}
	d.mu.Unlock()

	return body.AccessToken, nil
}

// post sends the message and returns the provider errcode.
func (d *Dispatcher) post(ctx context.Context, s domain.NotificationSettings, token, title, content string) (int, error) {
	full := fmt.Sprintf("【Checkin Magic】\n%s\n----------------\n%s\nTime: %s",
		title, content, d.now().Format("2006-01-02 15:04:05"))

	payload, err := json.Marshal(map[string]any{
		"touser":  s.Recipient,
		"msgtype": "text",
		"agentid": s.AgentID,
		"text":    map[string]string{"content": full},
		"safe":    0,
	})
	if err != nil {
		return 0, err
	}

	u := fmt.Sprintf("%s/cgi-bin/message/send?access_token=%s", d.apiBase, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("wecom send: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("wecom send: %w", err)
	}
	if body.ErrCode != 0 {
		log.Debug().Int("errcode", body.ErrCode).Str("errmsg", body.ErrMsg).Msg("wecom send not ok")
	}
	return body.ErrCode, nil
}
