// internal/httpserver/admin.go
//
// Operator endpoints.
//   - POST /admin/login          → check the admin password, set a JWT cookie
//   - POST /admin/logout         → clear the cookie
//   - POST /admin/reset-payment  → clear a player's paid flag (owner wallet must be connected)
//
// The admin password is never stored in plain text: ADMIN_PASSWORD_HASH holds its bcrypt hash.
// Without it the admin routes answer 404.

package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminCookie  = "rhythm_admin"
	adminSubject = "admin"
	adminTTL     = 12 * time.Hour
)

func (s *Server) mountAdmin() {
	s.r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminEnabled)
		r.Post("/login", s.handleAdminLogin)
		r.Post("/logout", s.handleAdminLogout)
		r.With(s.requireAdmin).Post("/reset-payment", s.handleResetPayment)
	})
}

func (s *Server) adminEnabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminPasswordHash == "" {
			http.Error(w, `{"error":"not_found","path":"`+r.URL.Path+`"}`, http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginReq struct {
	Password string `json:"password"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body loginReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid_json"}`, http.StatusBadRequest)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(body.Password)) != nil {
		log.Warn().Str("ip", r.RemoteAddr).Msg("admin login failed")
		http.Error(w, `{"error":"Invalid password"}`, http.StatusUnauthorized)
		return
	}
	tok, exp, err := s.signAdmin()
	if err != nil {
		http.Error(w, `{"error":"sign_failed"}`, http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookie,
		Value:    tok,
		Path:     "/admin",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  exp,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": tok, "expiresAt": exp.UTC()})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: adminCookie, Value: "", Path: "/admin", HttpOnly: true, MaxAge: -1})
	_, _ = w.Write([]byte(`{"ok":true}`))
}

type resetPaymentReq struct {
	Address string `json:"address"`
}

func (s *Server) handleResetPayment(w http.ResponseWriter, r *http.Request) {
	var body resetPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid_json"}`, http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(body.Address) {
		http.Error(w, `{"error":"bad_address"}`, http.StatusBadRequest)
		return
	}
	id, done, err := s.coord.ResetPlayerPayment(r.Context(), common.HexToAddress(body.Address))
	s.respondTx(w, r, id, done, err)
}

// signAdmin creates an HS256 token for the admin subject.
func (s *Server) signAdmin() (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(adminTTL)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	ss, err := t.SignedString([]byte(s.opts.JWTSecret))
	return ss, exp, err
}

// requireAdmin enforces a valid admin JWT from the Authorization header or cookie.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerOrCookie(r)
		if tokenStr == "" {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.opts.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.Subject != adminSubject {
			http.Error(w, `{"error":"Invalid token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerOrCookie extracts a bearer token from the Authorization header or the admin cookie.
func bearerOrCookie(r *http.Request) string {
	if a := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(a), "bearer ") {
		return strings.TrimSpace(a[7:])
	}
	if c, err := r.Cookie(adminCookie); err == nil {
		return c.Value
	}
	return ""
}
