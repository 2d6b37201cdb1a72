package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"beerbot/internal/lock"
	"beerbot/internal/mailbox"
	"beerbot/internal/model"
)

const (
	sideProjectSender = "orders@sideprojectbrewing.com"
	memberEmail       = "member@example.com"
)

func orderEmail(number, recipient, sender string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<div>From: Brewery &lt;%s&gt;</div>\n", sender)
	if recipient != "" {
		fmt.Fprintf(&sb, "<div>To: &lt;%s&gt;</div>\n", recipient)
	}
	fmt.Fprintf(&sb, "<span>Order # %s</span><span>2 × IPA</span><span>1 × Stout</span>\n", number)
	sb.WriteString("<div><h4>Billing address</h4><p>Alice Smith<br>1 Main St</p></div>")
	return sb.String()
}

type fakeSession struct {
	mu       sync.Mutex
	messages []*mailbox.Message
	labelErr error
	closed   int
}

func newFakeSession(bodies ...string) *fakeSession {
	s := &fakeSession{}
	for i, b := range bodies {
		s.messages = append(s.messages, &mailbox.Message{UID: uint32(i + 1), Body: b})
	}
	return s
}

func (s *fakeSession) list(label string, with bool) []mailbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mailbox.Message
	for _, m := range s.messages {
		if m.HasLabel(label) == with {
			cp := *m
			cp.Labels = append([]string(nil), m.Labels...)
			out = append(out, cp)
		}
	}
	return out
}

func (s *fakeSession) Without(_ context.Context, label string) ([]mailbox.Message, error) {
	return s.list(label, false), nil
}

func (s *fakeSession) With(_ context.Context, label string) ([]mailbox.Message, error) {
	return s.list(label, true), nil
}

func (s *fakeSession) find(uid uint32) *mailbox.Message {
	for _, m := range s.messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

func (s *fakeSession) AddLabel(_ context.Context, uid uint32, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labelErr != nil {
		return s.labelErr
	}
	m := s.find(uid)
	if m != nil && !m.HasLabel(label) {
		m.Labels = append(m.Labels, label)
	}
	return nil
}

func (s *fakeSession) RemoveLabel(_ context.Context, uid uint32, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labelErr != nil {
		return s.labelErr
	}
	m := s.find(uid)
	if m == nil {
		return nil
	}
	kept := m.Labels[:0]
	for _, l := range m.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	m.Labels = kept
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) labels(uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.find(uid).Labels...)
}

func (s *fakeSession) hasLabel(uid uint32, label string) bool {
	return mailbox.Message{Labels: s.labels(uid)}.HasLabel(label)
}

func (s *fakeSession) stripLabel(label string) {
	s.mu.Lock()
	uids := make([]uint32, 0, len(s.messages))
	for _, m := range s.messages {
		uids = append(uids, m.UID)
	}
	s.mu.Unlock()
	for _, uid := range uids {
		_ = s.RemoveLabel(context.Background(), uid, label)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	session *fakeSession
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context) (mailbox.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeOrders struct {
	mu           sync.Mutex
	orders       map[string]model.Order
	saves        int
	existsErr    error
	saveErr      error
	hideExisting bool
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[string]model.Order)}
}

func (f *fakeOrders) Exists(_ context.Context, number string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	if f.hideExisting {
		return false, nil
	}
	_, ok := f.orders[number]
	return ok, nil
}

func (f *fakeOrders) Save(_ context.Context, order model.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return false, f.saveErr
	}
	f.saves++
	if _, ok := f.orders[order.OrderNumber]; ok {
		return false, nil
	}
	f.orders[order.OrderNumber] = order
	return true, nil
}

type fakeUsers struct {
	mu     sync.Mutex
	emails map[string]bool
	err    error
}

func newFakeUsers(emails ...string) *fakeUsers {
	u := &fakeUsers{emails: make(map[string]bool)}
	for _, e := range emails {
		u.emails[e] = true
	}
	return u
}

func (u *fakeUsers) IsEmailRegistered(_ context.Context, email string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return false, u.err
	}
	return u.emails[strings.ToLower(email)], nil
}

func (u *fakeUsers) add(email string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.emails[email] = true
}

type fakeNotifier struct {
	mu     sync.Mutex
	orders []model.Order
	err    error
}

func (n *fakeNotifier) NotifyNewOrder(_ context.Context, order model.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, order)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.orders)
}

type fixture struct {
	session  *fakeSession
	dialer   *fakeDialer
	orders   *fakeOrders
	users    *fakeUsers
	notifier *fakeNotifier
	worker   *InboxWorker
}

func newFixture(t *testing.T, bodies ...string) *fixture {
	t.Helper()
	f := &fixture{
		session:  newFakeSession(bodies...),
		orders:   newFakeOrders(),
		users:    newFakeUsers(memberEmail),
		notifier: &fakeNotifier{},
	}
	f.dialer = &fakeDialer{session: f.session}

	ids := 0
	f.worker = NewInboxWorker(f.dialer, f.orders, f.users,
		WithNotifier(f.notifier),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	f.worker.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	f.worker.now = func() time.Time { return time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC) }
	return f
}

func TestCheckInbox_PersistsAndNotifies(t *testing.T) {
	f := newFixture(t, orderEmail("12345", memberEmail, sideProjectSender))

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Scanned != 1 || report.Persisted != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	saved, ok := f.orders.orders["12345"]
	if !ok {
		t.Fatal("expected order saved")
	}
	if saved.ID != "id-1" || saved.Brewery != "Side Project" || saved.Recipient != memberEmail {
		t.Errorf("unexpected order %+v", saved)
	}
	if saved.PurchaserName() != "Alice Smith" {
		t.Errorf("expected purchaser Alice Smith, got %q", saved.PurchaserName())
	}
	if len(saved.Items) != 2 {
		t.Errorf("expected 2 items, got %v", saved.Items)
	}

	if f.notifier.count() != 1 {
		t.Errorf("expected one notification, got %d", f.notifier.count())
	}
	if !f.session.hasLabel(1, mailbox.LabelProcessed) {
		t.Error("expected message labeled processed")
	}
	if f.session.closed != 1 {
		t.Errorf("expected session closed once, got %d", f.session.closed)
	}
}

func TestCheckInbox_DuplicateAcrossCycles(t *testing.T) {
	f := newFixture(t,
		orderEmail("12345", memberEmail, sideProjectSender),
		orderEmail("12345", memberEmail, sideProjectSender),
	)
	ctx := context.Background()

	report, err := f.worker.CheckInbox(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Persisted != 1 || report.Duplicates != 1 {
		t.Errorf("unexpected first report %+v", report)
	}

	// A re-scan of the whole mailbox must not announce anything again.
	f.session.stripLabel(mailbox.LabelProcessed)
	for i := 0; i < 3; i++ {
		report, err = f.worker.CheckInbox(ctx)
		if err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", i, err)
		}
		if report.Duplicates != 2 || report.Persisted != 0 {
			t.Errorf("cycle %d: unexpected report %+v", i, report)
		}
		f.session.stripLabel(mailbox.LabelProcessed)
	}

	if f.orders.saves != 1 {
		t.Errorf("expected a single save, got %d", f.orders.saves)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected a single notification, got %d", f.notifier.count())
	}
}

func TestCheckInbox_SaveRaceDoesNotNotify(t *testing.T) {
	f := newFixture(t, orderEmail("777", memberEmail, sideProjectSender))
	f.orders.orders["777"] = model.Order{OrderNumber: "777", Items: []string{"1 × Saison"}}
	f.orders.hideExisting = true

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Duplicates != 1 {
		t.Errorf("expected duplicate, got %+v", report)
	}
	if f.notifier.count() != 0 {
		t.Errorf("expected no notification, got %d", f.notifier.count())
	}
	if !f.session.hasLabel(1, mailbox.LabelProcessed) {
		t.Error("expected message labeled processed")
	}
}

func TestCheckInbox_UnsupportedSender(t *testing.T) {
	f := newFixture(t,
		orderEmail("1", memberEmail, "orders@otherhalfbrewing.com"),
		orderEmail("2", memberEmail, "shop@unknown-brewery.com"),
	)

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UnsupportedSender != 2 {
		t.Errorf("expected two unsupported senders, got %+v", report)
	}
	if len(f.orders.orders) != 0 || f.notifier.count() != 0 {
		t.Error("expected nothing saved or announced")
	}
	for _, uid := range []uint32{1, 2} {
		if labels := f.session.labels(uid); len(labels) != 0 {
			t.Errorf("message %d: expected no labels, got %v", uid, labels)
		}
	}
}

func TestCheckInbox_UnregisteredRecipient(t *testing.T) {
	f := newFixture(t,
		orderEmail("1", "stranger@example.com", sideProjectSender),
		orderEmail("2", "", sideProjectSender),
	)

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Unregistered != 2 {
		t.Errorf("expected two unregistered, got %+v", report)
	}
	for _, uid := range []uint32{1, 2} {
		if !f.session.hasLabel(uid, mailbox.LabelUnregistered) {
			t.Errorf("message %d: expected unregistered label", uid)
		}
		if f.session.hasLabel(uid, mailbox.LabelProcessed) {
			t.Errorf("message %d: must not be processed", uid)
		}
	}
	if len(f.orders.orders) != 0 {
		t.Error("expected nothing saved")
	}
}

func TestCheckInbox_ClearsStaleUnregisteredLabel(t *testing.T) {
	f := newFixture(t, orderEmail("42", memberEmail, sideProjectSender))
	f.session.messages[0].Labels = []string{mailbox.LabelUnregistered}

	if _, err := f.worker.CheckInbox(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.session.hasLabel(1, mailbox.LabelProcessed) {
		t.Error("expected processed label")
	}
	if f.session.hasLabel(1, mailbox.LabelUnregistered) {
		t.Error("expected unregistered label removed")
	}
}

func TestCheckInbox_ParseFailure(t *testing.T) {
	body := `<div>From: x &lt;orders@sideprojectbrewing.com&gt;</div><div>To: &lt;member@example.com&gt;</div><span>Order # 9</span>`
	f := newFixture(t, body)

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ParseFailures != 1 {
		t.Errorf("expected parse failure, got %+v", report)
	}
	if labels := f.session.labels(1); len(labels) != 0 {
		t.Errorf("expected no labels, got %v", labels)
	}
}

func TestCheckInbox_UndecodableMessageDoesNotStopBatch(t *testing.T) {
	f := newFixture(t,
		orderEmail("1", memberEmail, sideProjectSender),
		"",
		orderEmail("3", memberEmail, sideProjectSender),
	)
	f.session.messages[1].Err = errors.New("read part body: illegal base64 data at input byte 0")

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Scanned != 3 || report.Persisted != 2 || report.ParseFailures != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if _, ok := f.orders.orders["3"]; !ok {
		t.Error("expected the message after the broken one to be saved")
	}
	if labels := f.session.labels(2); len(labels) != 0 {
		t.Errorf("expected broken message left unlabeled, got %v", labels)
	}
	if !f.session.hasLabel(3, mailbox.LabelProcessed) {
		t.Error("expected last message processed")
	}
}

func TestCheckInbox_StorageFailureSkipsMessage(t *testing.T) {
	f := newFixture(t,
		orderEmail("1", memberEmail, sideProjectSender),
		orderEmail("2", "stranger@example.com", sideProjectSender),
	)
	f.orders.existsErr = errors.New("connection reset")

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 || report.Unregistered != 1 {
		t.Errorf("expected batch to continue past the failure, got %+v", report)
	}
	if labels := f.session.labels(1); len(labels) != 0 {
		t.Errorf("expected failed message untouched, got %v", labels)
	}
}

func TestCheckInbox_NotifyFailureStillProcessed(t *testing.T) {
	f := newFixture(t, orderEmail("5", memberEmail, sideProjectSender))
	f.notifier.err = errors.New("webhook down")

	report, err := f.worker.CheckInbox(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Persisted != 1 {
		t.Errorf("expected persisted, got %+v", report)
	}
	if !f.session.hasLabel(1, mailbox.LabelProcessed) {
		t.Error("expected processed label")
	}
}

func TestCheckInbox_ConnectionFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = fmt.Errorf("%w: login: bad credentials", mailbox.ErrConnection)

	_, err := f.worker.CheckInbox(context.Background())
	if !errors.Is(err, mailbox.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestCheckInbox_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t, orderEmail("1", memberEmail, sideProjectSender))
	l := lock.NewLocalLocker()
	f.worker.locker = l

	release, ok, _ := l.TryLock(context.Background())
	if !ok {
		t.Fatal("expected lock")
	}
	defer release()

	if _, err := f.worker.CheckInbox(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	if f.dialer.dialCount() != 0 {
		t.Error("expected no dial while locked")
	}
}

func TestSweepUnregistered(t *testing.T) {
	f := newFixture(t,
		orderEmail("1", "newbie@example.com", sideProjectSender),
		orderEmail("2", "stranger@example.com", sideProjectSender),
	)
	ctx := context.Background()

	if _, err := f.worker.CheckInbox(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.users.add("newbie@example.com")

	cleared, err := f.worker.SweepUnregistered(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared != 1 {
		t.Errorf("expected one cleared message, got %d", cleared)
	}
	if f.session.hasLabel(1, mailbox.LabelUnregistered) {
		t.Error("expected label removed for the registered recipient")
	}
	if !f.session.hasLabel(2, mailbox.LabelUnregistered) {
		t.Error("expected label kept for the unknown recipient")
	}
	if len(f.orders.orders) != 0 {
		t.Error("sweep must not save orders")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStart_RecheckAndStop(t *testing.T) {
	f := newFixture(t)
	f.worker.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Start(ctx)
		close(done)
	}()

	waitFor(t, "initial cycle", func() bool { return f.dialer.dialCount() >= 1 })
	f.worker.Recheck()
	waitFor(t, "recheck cycle", func() bool { return f.dialer.dialCount() >= 2 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStart_UserRegisteredTriggersSweep(t *testing.T) {
	f := newFixture(t, orderEmail("1", "newbie@example.com", sideProjectSender))
	f.worker.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Start(ctx)

	waitFor(t, "unregistered label", func() bool { return f.session.hasLabel(1, mailbox.LabelUnregistered) })

	f.users.add("newbie@example.com")
	f.worker.UserRegistered(model.RegisteredUser{Identity: "42", Email: "newbie@example.com"})

	waitFor(t, "follow-up cycle", func() bool { return f.session.hasLabel(1, mailbox.LabelProcessed) })
	if f.session.hasLabel(1, mailbox.LabelUnregistered) {
		t.Error("expected unregistered label cleared")
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected one announcement, got %d", f.notifier.count())
	}
}
