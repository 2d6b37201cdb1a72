package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.InboxEvents.WithLabelValues("order_saved").Add(2)
	r.StuckMessages.WithLabelValues("parse_failure").Set(1)
	r.OrdersPickedUp.Inc()
	r.CycleSeconds.Observe(0.4)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)

	for _, want := range []string{
		`beerbot_inbox_events_total{event="order_saved"} 2`,
		`beerbot_inbox_stuck_messages{reason="parse_failure"} 1`,
		`beerbot_orders_picked_up_total 1`,
		`beerbot_inbox_cycle_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
