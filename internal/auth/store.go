// Package auth implements the executor's token-based authentication layer:
// an in-memory session cache backed by an on-disk file, with validation
// against the identity provider and transparent refresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
)

const validationBuffer = 5 * time.Minute

// Session is a cached identity-provider session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id,omitempty"`
}

func (s *Session) expired() bool {
	return time.Now().Add(validationBuffer).After(s.ExpiresAt)
}

// UserInfo is the subset of identity-provider profile data the executor cares
// about.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Store manages the executor's authentication session: an in-memory cache,
// an on-disk cache file, and the HTTP calls needed to validate and refresh a
// token against the identity provider.
type Store struct {
	identityURL string
	anonKey     string
	cachePath   string
	httpClient  *http.Client
	logger      *logger.Logger

	mu      sync.Mutex
	session *Session
}

// NewStore builds a Store. cacheDir overrides the default
// $XDG_CONFIG_HOME/kandev-executor location; pass "" to use the default.
func NewStore(identityURL, anonKey, cacheDir string, log *logger.Logger) *Store {
	return &Store{
		identityURL: identityURL,
		anonKey:     anonKey,
		cachePath:   resolveCachePath(cacheDir),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      log.WithComponent("auth"),
	}
}

func resolveCachePath(cacheDir string) string {
	if cacheDir == "" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			cacheDir = filepath.Join(xdg, "kandev-executor")
		} else if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, ".kandev-executor")
		}
	}
	return filepath.Join(cacheDir, "auth.json")
}

// LoginWithToken installs a session obtained externally (e.g. handed in by
// the CLI after a browser-based login) and persists it to the cache file.
func (s *Store) LoginWithToken(accessToken, refreshToken string, expiresAt time.Time, userID string) error {
	sess := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		UserID:       userID,
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	return s.saveSession(sess)
}

// Logout clears the in-memory and on-disk session.
func (s *Store) Logout() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	s.clearCachedSession()
}

// AuthHeaders returns the headers to attach to an outbound orchestrator
// request, and whether a usable session was found. On any failure path it
// returns empty headers rather than an error: the caller proceeds
// unauthenticated and lets the orchestrator reject the request.
func (s *Store) AuthHeaders(ctx context.Context) (http.Header, bool) {
	token, ok := s.getValidToken(ctx)
	if !ok {
		return http.Header{}, false
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, true
}

// Whoami returns the cached user's profile, probing the identity provider if
// necessary.
func (s *Store) Whoami(ctx context.Context) (*UserInfo, bool) {
	token, ok := s.getValidToken(ctx)
	if !ok {
		return nil, false
	}
	info, err := s.fetchUserInfo(ctx, token)
	if err != nil {
		s.logger.Warn("failed to fetch user info", zap.Error(err))
		return nil, false
	}
	return info, true
}

func (s *Store) getValidToken(ctx context.Context) (string, bool) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess != nil && !sess.expired() {
		if s.validateToken(ctx, sess.AccessToken) {
			return sess.AccessToken, true
		}
	}

	if cached := s.loadCachedSession(); cached != nil && !cached.expired() {
		if s.validateToken(ctx, cached.AccessToken) {
			s.mu.Lock()
			s.session = cached
			s.mu.Unlock()
			return cached.AccessToken, true
		}
	}

	if sess != nil && sess.RefreshToken != "" {
		if refreshed, err := s.refresh(ctx, sess.RefreshToken); err == nil {
			s.mu.Lock()
			s.session = refreshed
			s.mu.Unlock()
			if err := s.saveSession(refreshed); err != nil {
				s.logger.Warn("failed to persist refreshed session", zap.Error(err))
			}
			return refreshed.AccessToken, true
		}
	}

	s.clearCachedSession()
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	return "", false
}

func (s *Store) validateToken(ctx context.Context, token string) bool {
	if s.identityURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.identityURL+"/auth/v1/user", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", s.anonKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("token validation request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (s *Store) fetchUserInfo(ctx context.Context, token string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.identityURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", s.anonKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &info, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (s *Store) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if s.identityURL == "" {
		return nil, fmt.Errorf("identity url not configured")
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.identityURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.anonKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh failed with status %d", resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	return &Session{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second),
		UserID:       rr.User.ID,
	}, nil
}

func (s *Store) loadCachedSession() *Session {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("failed to parse cached session", zap.Error(err))
		return nil
	}
	return &sess
}

func (s *Store) saveSession(sess *Session) error {
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return os.Rename(tmp, s.cachePath)
}

func (s *Store) clearCachedSession() {
	if err := os.Remove(s.cachePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to clear cached session", zap.Error(err))
	}
}
