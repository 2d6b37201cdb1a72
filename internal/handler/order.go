package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"beerbot/internal/metrics"
	"beerbot/internal/model"
	"beerbot/internal/mw"
)

type OrderBook interface {
	ListUnpicked(ctx context.Context, purchasers []string) ([]model.Order, error)
	MarkPickedUp(ctx context.Context, numbers []string, claimant string) ([]string, error)
}

type UserDirectory interface {
	UserFinder
	List(ctx context.Context) ([]model.RegisteredUser, error)
}

// OrderGroup holds the unclaimed orders of one purchaser. Label is the
// pickup name of the member the orders were forwarded for, when known.
type OrderGroup struct {
	Purchaser string        `json:"purchaser"`
	Label     string        `json:"label"`
	Orders    []model.Order `json:"orders"`
}

type pickupRequest struct {
	Purchasers []string `json:"purchasers"`
}

type pickupResponse struct {
	Claimant string       `json:"claimant"`
	Marked   int64        `json:"marked"`
	Groups   []OrderGroup `json:"groups"`
}

func UnpickedHandler(orders OrderBook, users UserDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		purchasers := cleanNames(r.URL.Query()["purchaser"])

		list, err := orders.ListUnpicked(r.Context(), purchasers)
		if err != nil {
			slog.Error("list unpicked orders failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if len(list) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		groups, err := groupOrders(r.Context(), list, users)
		if err != nil {
			slog.Error("list users failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	}
}

// PickupHandler claims every unclaimed order of the requested purchasers
// (all purchasers when none are given) in the caller's name.
func PickupHandler(orders OrderBook, users UserDirectory, m *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := mw.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req pickupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		claimant, err := claimantName(r.Context(), users, identity)
		if err != nil {
			slog.Error("find claimant failed", "identity", identity, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		list, err := orders.ListUnpicked(r.Context(), cleanNames(req.Purchasers))
		if err != nil {
			slog.Error("list unpicked orders failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if len(list) == 0 {
			http.Error(w, "no unclaimed orders", http.StatusNotFound)
			return
		}

		numbers := make([]string, 0, len(list))
		for _, o := range list {
			numbers = append(numbers, o.OrderNumber)
		}

		claimed, err := orders.MarkPickedUp(r.Context(), numbers, claimant)
		if err != nil {
			slog.Error("mark picked up failed", "claimant", claimant, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if len(claimed) == 0 {
			http.Error(w, "no unclaimed orders", http.StatusNotFound)
			return
		}
		marked := int64(len(claimed))
		if m != nil {
			m.OrdersPickedUp.Add(float64(marked))
		}
		slog.Info("orders picked up", "claimant", claimant, "marked", marked)

		// Orders claimed concurrently by someone else are left out.
		mine := make(map[string]bool, len(claimed))
		for _, n := range claimed {
			mine[n] = true
		}
		now := time.Now()
		picked := make([]model.Order, 0, len(claimed))
		for _, o := range list {
			if !mine[o.OrderNumber] {
				continue
			}
			o.IsPickedUp = true
			o.PickedUpBy = &claimant
			o.PickedUpAt = &now
			picked = append(picked, o)
		}
		groups, err := groupOrders(r.Context(), picked, users)
		if err != nil {
			slog.Error("list users failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, pickupResponse{Claimant: claimant, Marked: marked, Groups: groups})
	}
}

func claimantName(ctx context.Context, users UserFinder, identity string) (string, error) {
	user, err := users.FindByIdentity(ctx, identity)
	if err != nil {
		return "", err
	}
	if user != nil {
		if name := user.PickupName(); name != "" {
			return name, nil
		}
	}
	return identity, nil
}

// groupOrders keeps the first-seen order of purchasers.
func groupOrders(ctx context.Context, orders []model.Order, users UserDirectory) ([]OrderGroup, error) {
	registered, err := users.List(ctx)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]model.RegisteredUser, len(registered))
	for _, u := range registered {
		byEmail[strings.ToLower(u.Email)] = u
	}

	var groups []OrderGroup
	index := make(map[string]int)
	for _, o := range orders {
		purchaser := o.PurchaserName()
		i, ok := index[purchaser]
		if !ok {
			i = len(groups)
			index[purchaser] = i
			groups = append(groups, OrderGroup{Purchaser: purchaser, Label: purchaser})
		}
		g := &groups[i]
		g.Orders = append(g.Orders, o)
		if g.Label != purchaser {
			continue
		}
		if u, ok := byEmail[strings.ToLower(o.Recipient)]; ok && u.PickupName() != "" {
			g.Label = u.PickupName()
		}
	}
	return groups, nil
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
