// Package github はGitHubユーザーディレクトリによるユーザー名の存在確認を提供する。
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBaseURL はGitHub REST APIのベースURL。
	DefaultBaseURL = "https://api.github.com"
	// defaultTimeout は1回のルックアップに許容する最大時間。
	defaultTimeout = 5 * time.Second
	// defaultUserAgent はGitHub APIが必須とするUser-Agent。
	defaultUserAgent = "customers-api"
	// acceptHeader はv3 JSONレスポンスを要求するAcceptヘッダー。
	acceptHeader = "application/vnd.github.v3+json"
	// maxBodySize はレスポンスボディの読み取り上限。
	maxBodySize = 1 << 20
)

// usernamePattern はGitHubユーザー名として受け付ける形式。
// 英数字とハイフンで最大39文字、先頭はハイフン不可。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,38}$`)

// LookupResult はディレクトリ照会の結果を表すタグ付きバリアント。
type LookupResult int

const (
	// Found はユーザーが存在することを示す。
	Found LookupResult = iota
	// NotFound はユーザーが存在しないことを示す。
	NotFound
	// Throttled はディレクトリがレート制限中であることを示す。
	Throttled
	// Unavailable はディレクトリに到達できない、またはサーバーエラーを示す。
	Unavailable
)

// String はメトリクスラベルやログに使う文字列表現を返す。
func (r LookupResult) String() string {
	switch r {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Throttled:
		return "throttled"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Lookup は照会結果と、スロットリング時の再試行目安を保持する。
type Lookup struct {
	Result     LookupResult
	RetryAfter time.Duration
	Err        error
}

// Recorder は照会結果を記録するインターフェース。metrics.Collectorが実装する。
type Recorder interface {
	RecordIdentityLookup(outcome string, duration time.Duration)
}

// Config はClientの設定を保持する。
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// Client はGitHubユーザーAPIのクライアント。
// 照会結果は保持せず、複数goroutineから同時に使用できる。
// 同一ユーザー名への同時照会はsingleflightで1回の外部呼び出しにまとめる。
// 待っている呼び出し元が全員キャンセルした時点で外部呼び出しも中断する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
	userAgent  string
	timeout    time.Duration
	recorder   Recorder
	now        func() time.Time
	group      singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
	waiters map[string]int
}

// flight は実行中の共有照会1回分のキャンセル手段。
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Option はClientのオプション設定。
type Option func(*Client)

// WithRecorder は照会結果の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.Timeout,
		now:        time.Now,
		flights:    make(map[string]*flight),
		waiters:    make(map[string]int),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyUsername はユーザー名がディレクトリに存在するかを確認する。
// 再試行は行わない。再試行の判断は呼び出し元に委ねる。
func (c *Client) VerifyUsername(ctx context.Context, username string) LookupResult {
	return c.Lookup(ctx, username).Result
}

// Lookup はVerifyUsernameと同じ照会を行い、再試行目安などの付随情報も返す。
// 空または形式不正のユーザー名は外部呼び出しなしでNotFoundを返す。
func (c *Client) Lookup(ctx context.Context, username string) Lookup {
	if !usernamePattern.MatchString(username) {
		return Lookup{Result: NotFound}
	}

	if err := ctx.Err(); err != nil {
		return Lookup{Result: Unavailable, Err: err}
	}

	key := strings.ToLower(username)
	c.join(key)
	ch := c.group.DoChan(key, func() (any, error) {
		f := c.startFlight(ctx, key)
		defer c.endFlight(key, f)
		return c.fetch(f.ctx, username), nil
	})

	select {
	case res := <-ch:
		c.leave(key)
		return res.Val.(Lookup)
	case <-ctx.Done():
		c.leave(key)
		return Lookup{Result: Unavailable, Err: ctx.Err()}
	}
}

// join はkeyの待機者を1人増やす。
// 待機者がいなくなりキャンセル済みの照会が残っている場合は、それに合流せず新しく照会させる。
func (c *Client) join(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiters[key]++
	if f, ok := c.flights[key]; ok && f.ctx.Err() != nil {
		c.group.Forget(key)
		delete(c.flights, key)
	}
}

// leave はkeyの待機者を1人減らし、誰も待っていなければ実行中の照会を中断する。
func (c *Client) leave(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiters[key]--
	if c.waiters[key] > 0 {
		return
	}
	delete(c.waiters, key)
	if f, ok := c.flights[key]; ok {
		f.cancel()
	}
}

// startFlight は共有照会用のコンテキストを作る。
// 呼び出し元のキャンセルは直接伝えず、待機者が全員抜けたときにleaveが中断する。
func (c *Client) startFlight(ctx context.Context, key string) *flight {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{ctx: fctx, cancel: cancel}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.flights[key] = f
	if c.waiters[key] == 0 {
		cancel()
	}
	return f
}

func (c *Client) endFlight(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.cancel()
}

// fetch はGET /users/{username} を1回だけ発行し、結果を分類する。
func (c *Client) fetch(ctx context.Context, username string) Lookup {
	start := c.now()
	lookup := c.doFetch(ctx, username)
	elapsed := c.now().Sub(start)

	if c.recorder != nil {
		c.recorder.RecordIdentityLookup(lookup.Result.String(), elapsed)
	}

	switch lookup.Result {
	case Throttled:
		c.logger.Warn("github directory is throttling lookups",
			slog.String("username", username),
			slog.Duration("retry_after", lookup.RetryAfter),
		)
	case Unavailable:
		attrs := []any{slog.String("username", username)}
		if lookup.Err != nil {
			attrs = append(attrs, slog.String("error", lookup.Err.Error()))
		}
		c.logger.Error("github directory lookup failed", attrs...)
	}

	return lookup
}

func (c *Client) doFetch(ctx context.Context, username string) Lookup {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + "/users/" + url.PathEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Lookup{Result: Unavailable, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Lookup{Result: Unavailable, Err: fmt.Errorf("github lookup timed out: %w", err)}
		}
		return Lookup{Result: Unavailable, Err: fmt.Errorf("github request failed: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var user struct {
			Login string `json:"login"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&user); err != nil {
			return Lookup{Result: Unavailable, Err: fmt.Errorf("failed to decode github user: %w", err)}
		}
		return Lookup{Result: Found}
	case resp.StatusCode == http.StatusNotFound:
		return Lookup{Result: NotFound}
	case isThrottled(resp):
		return Lookup{Result: Throttled, RetryAfter: c.retryAfter(resp.Header)}
	default:
		return Lookup{Result: Unavailable, Err: fmt.Errorf("github returned status %d", resp.StatusCode)}
	}
}

// isThrottled はGitHubのレート制限応答かどうかを判定する。
// 429、またはX-RateLimit-Remainingが0の403をレート制限として扱う。
func isThrottled(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
}

// retryAfter はRetry-After（秒）またはX-RateLimit-Reset（UNIX時刻）から再試行目安を求める。
func (c *Client) retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(c.now()); d > 0 {
				return d.Round(time.Second)
			}
		}
	}
	return 0
}
