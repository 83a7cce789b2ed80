// Package githubtest はテスト用のGitHubユーザーディレクトリのフェイクサーバーを提供する。
package githubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Server はGET /users/{username} に応答するフェイクディレクトリ。
// 登録済みユーザーは200、スロットリング対象は403（X-RateLimit-Remaining: 0）、
// 障害対象は指定ステータス、それ以外は404を返す。
type Server struct {
	*httptest.Server

	mu        sync.RWMutex
	users     map[string]bool
	throttled map[string]bool
	failing   map[string]int
	delay     time.Duration
	calls     atomic.Int64
	aborted   atomic.Int64
}

// NewServer はフェイクサーバーを起動する。呼び出し元でCloseすること。
func NewServer() *Server {
	s := &Server{
		users:     make(map[string]bool),
		throttled: make(map[string]bool),
		failing:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetupUser は存在するユーザーを登録する。
func (s *Server) SetupUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(username)] = true
}

// SetupThrottledUser はレート制限応答を返すユーザー名を登録する。
func (s *Server) SetupThrottledUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttled[strings.ToLower(username)] = true
}

// SetupFailingUser は指定ステータスで失敗するユーザー名を登録する。
func (s *Server) SetupFailingUser(username string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[strings.ToLower(username)] = status
}

// SetDelay は全応答を指定時間遅延させる。タイムアウトの検証に使う。
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls は受信したリクエスト数を返す。
func (s *Server) Calls() int {
	return int(s.calls.Load())
}

// Aborted は遅延中にクライアント側から切断されたリクエスト数を返す。
func (s *Server) Aborted() int {
	return int(s.aborted.Load())
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	username, ok := strings.CutPrefix(r.URL.Path, "/users/")
	if r.Method != http.MethodGet || !ok || username == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	key := strings.ToLower(username)

	s.mu.RLock()
	delay := s.delay
	exists := s.users[key]
	throttled := s.throttled[key]
	failStatus, failing := s.failing[key]
	s.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			s.aborted.Add(1)
			return
		}
	}

	switch {
	case throttled:
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		writeJSON(w, http.StatusForbidden, map[string]string{
			"message": "API rate limit exceeded",
		})
	case failing:
		writeJSON(w, failStatus, map[string]string{"message": "Server Error"})
	case exists:
		writeJSON(w, http.StatusOK, map[string]any{
			"login": username,
			"id":    len(username),
			"type":  "User",
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
