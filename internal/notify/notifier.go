// Package notify announces newly persisted orders to the outside world.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"beerbot/internal/model"
)

type Notifier interface {
	NotifyNewOrder(ctx context.Context, order model.Order) error
}

// Announcement is the human-readable rendering of a new order.
type Announcement struct {
	Title       string
	Description string
	Footer      string
}

func Render(order model.Order) Announcement {
	lines := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, "• "+item)
	}

	purchaser := order.PurchaserName()
	if purchaser == "" {
		purchaser = "unknown"
	}
	status := "Not yet claimed"
	if order.IsPickedUp && order.PickedUpBy != nil {
		status = "Picked up by " + *order.PickedUpBy
	}

	return Announcement{
		Title:       fmt.Sprintf("🍺 New Order #%s from %s", order.OrderNumber, order.Brewery),
		Description: strings.Join(lines, "\n"),
		Footer:      fmt.Sprintf("For: %s - %s", purchaser, status),
	}
}

// MultiNotifier fans a notification out to every notifier. All of them are tried;
// the returned error joins the individual failures.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

func (m *MultiNotifier) NotifyNewOrder(ctx context.Context, order model.Order) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.NotifyNewOrder(ctx, order); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) NotifyNewOrder(_ context.Context, order model.Order) error {
	a := Render(order)
	l.logger.Info(a.Title, "items", len(order.Items), "footer", a.Footer)
	return nil
}
