package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"beerbot/internal/model"
	"beerbot/internal/mw"
	"beerbot/internal/service"
)

type UserRegistrar interface {
	Register(ctx context.Context, user model.RegisteredUser) (*model.RegisteredUser, error)
}

type UserFinder interface {
	FindByIdentity(ctx context.Context, identity string) (*model.RegisteredUser, error)
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Alias       string `json:"alias"`
}

// RegisterHandler binds the caller's identity to an email address. Calling
// it again updates the binding.
func RegisterHandler(users UserRegistrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := mw.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		user := model.RegisteredUser{
			Identity:    identity,
			DisplayName: req.DisplayName,
			Email:       req.Email,
		}
		if alias := strings.TrimSpace(req.Alias); alias != "" {
			user.Alias = &alias
		}

		saved, err := users.Register(r.Context(), user)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidUser):
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, service.ErrEmailConflict):
				http.Error(w, "email already registered", http.StatusConflict)
			default:
				slog.Error("register user failed", "identity", identity, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, http.StatusOK, saved)
	}
}

func MeHandler(users UserFinder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := mw.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := users.FindByIdentity(r.Context(), identity)
		if err != nil {
			slog.Error("find user failed", "identity", identity, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "not registered", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, user)
	}
}
