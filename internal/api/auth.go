package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fenneclabs/fennec-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket stays valid. Tickets are
// single-use: the browser requests one over the authenticated REST
// channel and spends it immediately on the upgrade request.
const ticketTTL = 60 * time.Second

const ticketBytes = 32

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type ticketEntry struct {
	expiresAt time.Time
}

type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

var wsTickets = &ticketStore{tickets: make(map[string]ticketEntry)}

// handleLogin exchanges the operator password for a session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.secCfg.Auth.Enabled {
		writeConflict(w, "authentication is disabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, s.secCfg.Auth.PasswordHash)
	if err != nil {
		s.logger.Error("verifying operator password", "error", err)
		writeInternalError(w, "password verification failed")
		return
	}
	if !ok {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(s.secCfg.JWT.Secret, s.secCfg.JWT.AccessTokenTTL)
	if err != nil {
		s.logger.Error("generating session token", "error", err)
		writeInternalError(w, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   s.secCfg.JWT.AccessTokenTTL * 60,
	})
}

// handleWSTicket issues a short-lived ticket for the WebSocket
// upgrade. Browsers cannot set an Authorization header on a WebSocket
// handshake, so the ticket travels as a query parameter instead.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	ticket := generateTicket()

	wsTickets.mu.Lock()
	wsTickets.tickets[ticket] = ticketEntry{expiresAt: time.Now().Add(ticketTTL)}
	wsTickets.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// validateTicket consumes a ticket. Each ticket works exactly once.
func validateTicket(ticket string) bool {
	wsTickets.mu.Lock()
	defer wsTickets.mu.Unlock()

	entry, ok := wsTickets.tickets[ticket]
	if !ok {
		return false
	}
	delete(wsTickets.tickets, ticket)
	return time.Now().Before(entry.expiresAt)
}

func generateTicket() string {
	b := make([]byte, ticketBytes)
	rand.Read(b) //nolint:errcheck // crypto/rand.Read never fails
	return hex.EncodeToString(b)
}

func cleanExpiredTickets() {
	wsTickets.mu.Lock()
	defer wsTickets.mu.Unlock()

	now := time.Now()
	for ticket, entry := range wsTickets.tickets {
		if now.After(entry.expiresAt) {
			delete(wsTickets.tickets, ticket)
		}
	}
}

// cleanTicketsLoop sweeps expired tickets until the context ends.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanExpiredTickets()
		}
	}
}
