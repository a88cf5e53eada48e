// internal/httpserver/server.go
//
// HTTP server wiring for the rhythm-mint session daemon.
// Responsibilities:
//   - Router + middleware (JSON, CORS, timeouts, panic recovery, request IDs, access log).
//   - Public endpoints: "/", "/health", "/session".
//   - Session endpoints: wallet, game, score, mint and status (routes_session.go).
//   - Admin endpoints behind a JWT cookie (admin.go).
//   - Mapping of domain errors to JSON error bodies.
//
// Notes:
//   - CORS is origin-aware and credentials-enabled (so the admin cookie works).
//   - Transaction endpoints answer 202 once the transaction is broadcast. With ?wait=1
//     they hold the request until the transaction settles or the request times out.

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/rhythm-mint/internal/game"
	"github.com/robalobadob/rhythm-mint/internal/ledger"
	"github.com/robalobadob/rhythm-mint/internal/session"
	"github.com/robalobadob/rhythm-mint/internal/status"
	"github.com/robalobadob/rhythm-mint/internal/txn"
	"github.com/robalobadob/rhythm-mint/internal/wallet"
)

const requestTimeout = 30 * time.Second

// Options are the server's knobs.
type Options struct {
	ClientOrigin      string
	JWTSecret         string
	AdminPasswordHash string                  // bcrypt; empty disables /admin
	Accounts          func() []common.Address // optional: lists connectable wallets
}

// Server bundles the router and the session core it exposes.
type Server struct {
	r       *chi.Mux
	coord   *session.Coordinator
	wallets *wallet.Manager
	engine  *game.Remote
	opts    Options
}

// New constructs a Server, installs middleware, and registers routes.
func New(coord *session.Coordinator, wallets *wallet.Manager, engine *game.Remote, opts Options) *Server {
	if opts.ClientOrigin == "" {
		opts.ClientOrigin = "http://localhost:5173"
	}
	s := &Server{r: chi.NewRouter(), coord: coord, wallets: wallets, engine: engine, opts: opts}

	s.r.Use(chimw.RequestID)
	s.r.Use(chimw.RealIP)
	s.r.Use(accessLog)
	s.r.Use(chimw.Recoverer)
	s.r.Use(chimw.Timeout(requestTimeout))
	s.r.Use(jsonContentType)
	s.r.Use(cors(opts.ClientOrigin))

	s.r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"service":"rhythm-mint","endpoints":["/health","/session","/wallet/*","/game/*","/score/*","/mint/{tier}","/history","/admin/*"]}`))
	})
	s.r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	s.mountSession()
	s.mountAdmin()

	s.r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found","path":"`+r.URL.Path+`"}`, http.StatusNotFound)
	})
	return s
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: s.r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router exposes the internal router (useful for tests).
func (s *Server) Router() chi.Router { return s.r }

// ----------------------------- middleware ----------------------------------

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// cors enables credentialed CORS for a single origin.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog writes one line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("reqId", chimw.GetReqID(r.Context())).
			Msg("http")
	})
}

// ------------------------------ responses ----------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorCodes maps domain errors to status and code. First match wins.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrWalletNotConnected, http.StatusConflict, "wallet_not_connected"},
	{ledger.ErrWrongNetwork, http.StatusConflict, "wrong_network"},
	{ledger.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{ledger.ErrSubmitRejected, http.StatusUnprocessableEntity, "submit_rejected"},
	{ledger.ErrReverted, http.StatusUnprocessableEntity, "reverted"},
	{ledger.ErrConfirmationTimeout, http.StatusGatewayTimeout, "confirmation_timeout"},
	{ledger.ErrSubmit, http.StatusBadGateway, "submit_failed"},
	{ledger.ErrRead, http.StatusServiceUnavailable, "ledger_unavailable"},
	{txn.ErrAlreadyInFlight, http.StatusConflict, "in_flight"},
	{status.ErrSuperseded, http.StatusConflict, "superseded"},
	{session.ErrWrongPhase, http.StatusConflict, "wrong_phase"},
	{session.ErrAlreadySubmitted, http.StatusConflict, "already_submitted"},
	{session.ErrNotSubmitted, http.StatusConflict, "not_submitted"},
	{session.ErrNotPaid, http.StatusConflict, "not_paid"},
	{session.ErrNotEligible, http.StatusForbidden, "not_eligible"},
	{session.ErrNoRecord, http.StatusServiceUnavailable, "status_unavailable"},
	{session.ErrUnknownTier, http.StatusNotFound, "unknown_tier"},
	{game.ErrUnknownPlay, http.StatusNotFound, "unknown_play"},
	{game.ErrAlreadyReported, http.StatusConflict, "already_reported"},
	{wallet.ErrUnknownAccount, http.StatusNotFound, "unknown_account"},
}

func writeError(w http.ResponseWriter, err error) {
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			writeJSON(w, m.status, errorBody{Error: m.code, Message: err.Error()})
			return
		}
	}
	log.Error().Err(err).Msg("unhandled error")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
}
