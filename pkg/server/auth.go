package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/curtailr/curtailr/pkg/log"
)

// localPrincipal is the audit principal used when authentication is bypassed.
const localPrincipal = "local-operator"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"
		isPassPath := strings.HasPrefix(r.URL.Path, "/api/passes/")

		var email string
		if s.bypassAuth {
			email = localPrincipal
		} else {
			var token string
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				if !strings.HasPrefix(authHeader, "Bearer ") {
					log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
					writeJSONError(w, "invalid auth header", http.StatusBadRequest)
					return
				}
				token = strings.TrimPrefix(authHeader, "Bearer ")
			} else {
				authCookie, err := r.Cookie(authTokenCookie)
				if err != nil && !errors.Is(err, http.ErrNoCookie) {
					log.Ctx(ctx).ErrorContext(ctx, "failed to get auth cookie", slog.Any("error", err))
					writeJSONError(w, "missing auth cookie", http.StatusBadRequest)
					return
				}
				if authCookie != nil {
					token = authCookie.Value
				}
			}

			if token != "" {
				emailRet, _, err := s.authenticateToken(ctx, token)
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
					if !allowNoLogin {
						s.clearCookie(w)
						writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
						return
					}
				} else {
					email = emailRet
				}
			}

			if email == "" && !allowNoLogin {
				log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if email != "" && !allowNoLogin {
				allowed := s.isAdmin(email)
				if isPassPath && s.schedulerEmail != "" && subtle.ConstantTimeCompare([]byte(email), []byte(s.schedulerEmail)) == 1 {
					allowed = true
				}
				if !allowed {
					log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", email))
					writeJSONError(w, "forbidden", http.StatusForbidden)
					return
				}
			}
		}

		if email != "" {
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
			ctx = context.WithValue(ctx, emailContextKey, email)
		}
		log.Ctx(ctx).DebugContext(ctx, "authenticated request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	email, expires, err := s.authenticateToken(r.Context(), req.Token)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}
	if email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}
	if !s.isAdmin(email) {
		log.Ctx(r.Context()).WarnContext(r.Context(), "login by non-admin", slog.String("email", email))
		writeJSONError(w, "forbidden", http.StatusForbidden)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", email))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool   `json:"loggedIn"`
	Email        string `json:"email"`
	AuthRequired bool   `json:"authRequired"`
	ClientID     string `json:"clientID"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	email := s.getEmail(r)
	writeJSON(w, authStatusResponse{
		LoggedIn:     email != "",
		Email:        email,
		AuthRequired: !s.bypassAuth,
		ClientID:     s.oidcAudience,
	})
}

// authenticateToken verifies an ID token and returns its email and expiry.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, time.Time, error) {
	if s.oidcVerifier == nil {
		return "", time.Time{}, errors.New("no oidc audience configured")
	}
	claims, err := s.oidcVerifier(ctx, token)
	if err != nil {
		return "", time.Time{}, err
	}
	if !claims.EmailVerified {
		return "", time.Time{}, errors.New("email not verified")
	}
	return claims.Email, claims.Expiry, nil
}
