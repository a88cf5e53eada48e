// internal/httpserver/routes_session.go
//
// HTTP routes for the player session.
//   - GET  /session               → current session view
//   - GET  /wallet/accounts       → wallets available to connect
//   - POST /wallet/connect        → unlock and connect a wallet
//   - POST /wallet/disconnect     → disconnect (resets the session)
//   - POST /game/start            → pay the entry fee and start a play
//   - POST /game/onchain-start    → record the game start on the ledger
//   - POST /game/score            → the minigame reports its final score
//   - POST /score/submit          → record the score on the ledger
//   - POST /score/skip            → keep the score off-chain
//   - POST /session/lobby         → back to wallet setup after submission
//   - POST /session/reset         → back to wallet setup, dropping any score
//   - POST /status/refresh        → re-read the player record
//   - POST /mint/{tier}           → mint the closed or open mouth NFT
//   - GET  /history               → journal of the player's transactions

package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/robalobadob/rhythm-mint/internal/game"
	"github.com/robalobadob/rhythm-mint/internal/ledger"
	"github.com/robalobadob/rhythm-mint/internal/session"
	"github.com/robalobadob/rhythm-mint/internal/txn"
)

func (s *Server) mountSession() {
	s.r.Get("/session", s.handleView)

	s.r.Route("/wallet", func(r chi.Router) {
		r.Get("/accounts", s.handleAccounts)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
	})
	s.r.Route("/game", func(r chi.Router) {
		r.Post("/start", s.handleStartGame)
		r.Post("/onchain-start", s.handleOnChainStart)
		r.Post("/score", s.handleGameScore)
	})
	s.r.Route("/score", func(r chi.Router) {
		r.Post("/submit", s.handleSubmitScore)
		r.Post("/skip", s.handleSkip)
	})
	s.r.Post("/session/lobby", s.handleLobby)
	s.r.Post("/session/reset", s.handleReset)
	s.r.Post("/status/refresh", s.handleRefresh)
	s.r.Post("/mint/{tier}", s.handleMint)
	s.r.Get("/history", s.handleHistory)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.View())
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	out := []string{}
	if s.opts.Accounts != nil {
		for _, a := range s.opts.Accounts() {
			out = append(out, a.Hex())
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"accounts": out})
}

type connectReq struct {
	Address    string `json:"address"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) {
		http.Error(w, `{"error":"bad_address"}`, http.StatusBadRequest)
		return
	}
	if err := s.wallets.Connect(r.Context(), common.HexToAddress(req.Address), req.Passphrase); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.View())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.wallets.Disconnect()
	writeJSON(w, http.StatusOK, s.coord.View())
}

type startRes struct {
	Play    game.Play    `json:"play"`
	Session session.View `json:"session"`
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	play, err := s.coord.StartGame(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startRes{Play: play, Session: s.coord.View()})
}

func (s *Server) handleOnChainStart(w http.ResponseWriter, r *http.Request) {
	id, done, err := s.coord.StartOnChainGame(r.Context())
	s.respondTx(w, r, id, done, err)
}

type scoreReq struct {
	PlayID string `json:"playId"`
	Score  uint64 `json:"score"`
}

func (s *Server) handleGameScore(w http.ResponseWriter, r *http.Request) {
	var req scoreReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	if err := s.engine.Report(req.PlayID, req.Score); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.View())
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	id, done, err := s.coord.SubmitScore(r.Context())
	s.respondTx(w, r, id, done, err)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SkipSubmission(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.View())
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ReturnToLobby(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.View())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.coord.Reset()
	writeJSON(w, http.StatusOK, s.coord.View())
}

type refreshRes struct {
	Record  *ledger.PlayerRecord `json:"record"`
	Session session.View         `json:"session"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.RefreshStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshRes{Record: rec, Session: s.coord.View()})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	tier, ok := session.ParseTier(chi.URLParam(r, "tier"))
	if !ok {
		writeError(w, session.ErrUnknownTier)
		return
	}
	id, done, err := s.coord.Mint(r.Context(), tier)
	s.respondTx(w, r, id, done, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.coord.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		_, _ = w.Write([]byte(`{"entries":[]}`))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type txRes struct {
	Status  txn.Status   `json:"status"`
	TxID    string       `json:"tx,omitempty"`
	Session session.View `json:"session"`
}

// respondTx answers 202 with the pending hash once broadcast, or the settled outcome when
// ?wait is set.
func (s *Server) respondTx(w http.ResponseWriter, r *http.Request, id ledger.TxID, done <-chan txn.Outcome, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	pending := txRes{Status: txn.StatusSubmitted, TxID: id.Hex()}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		pending.Session = s.coord.View()
		writeJSON(w, http.StatusAccepted, pending)
		return
	}
	select {
	case out := <-done:
		if out.Err != nil {
			writeError(w, out.Err)
			return
		}
		writeJSON(w, http.StatusOK, txRes{Status: out.Status, TxID: out.ID.Hex(), Session: s.coord.View()})
	case <-r.Context().Done():
		pending.Session = s.coord.View()
		writeJSON(w, http.StatusAccepted, pending)
	}
}
