package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"beerbot/internal/mw"
	"beerbot/internal/service"
)

type KeyAuthenticator interface {
	Authenticate(key string) error
}

type loginRequest struct {
	Identity string `json:"identity"`
	Key      string `json:"key"`
}

// LoginHandler lets the chat gateway exchange its key for a token bound to
// one member identity. The token is returned in the Authorization header.
func LoginHandler(auth KeyAuthenticator, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		req.Identity = strings.TrimSpace(req.Identity)
		if req.Identity == "" {
			http.Error(w, "identity required", http.StatusBadRequest)
			return
		}

		if err := auth.Authenticate(req.Key); err != nil {
			if errors.Is(err, service.ErrInvalidKey) {
				http.Error(w, "invalid key", http.StatusUnauthorized)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		token, err := mw.IssueToken(secret, req.Identity)
		if err != nil {
			http.Error(w, "token generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Authorization", "Bearer "+token)
		w.WriteHeader(http.StatusOK)
	}
}
