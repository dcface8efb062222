package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	logx "taskbot/pkg/logx"
)

type ctxKey int

const userIDKey ctxKey = iota

// TelegramHeader carries the caller's Telegram chat id. On an authenticated
// request it refreshes the reminder binding.
const TelegramHeader = "X-Telegram-User-Id"

var errBadToken = errors.New("invalid token")

// IssueToken signs an access token for userID.
func IssueToken(secret string, userID int64, ttl time.Duration) (string, error) {
	if len(secret) < minSecretLen {
		return "", errors.New("jwt secret must be at least 32 characters")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(userID, 10),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(2*time.Minute),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadToken, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q", errBadToken, claims.Subject)
	}
	return id, nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		uid, err := parseToken(s.cfg.JWTSecret, strings.TrimSpace(raw))
		if err != nil {
			s.log.Debug("token rejected", logx.Err(err))
			if errors.Is(err, jwt.ErrTokenExpired) {
				respondError(w, http.StatusUnauthorized, "token expired")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

// bindTelegramHeader records the header after the request was served. It
// never changes the response.
func (s *Server) bindTelegramHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		raw := strings.TrimSpace(r.Header.Get(TelegramHeader))
		if raw == "" {
			return
		}
		uid, ok := userID(r.Context())
		if !ok {
			return
		}
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if err := s.tasks.BindTelegram(ctx, uid, chatID); err != nil {
			s.log.Warn("telegram binding from header failed", logx.Int64("user_id", uid), logx.Err(err))
		}
	})
}

func userID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
