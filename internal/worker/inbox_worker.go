package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"beerbot/internal/lock"
	"beerbot/internal/mailbox"
	"beerbot/internal/metrics"
	"beerbot/internal/model"
	"beerbot/internal/notify"
	"beerbot/internal/parser"
)

// ErrCycleInProgress is returned when another cycle holds the inbox lock.
var ErrCycleInProgress = errors.New("inbox cycle already in progress")

const (
	eventConnectionFailure = "connection_failure"
	eventParseFailure      = "parse_failure"
	eventDuplicate         = "duplicate"
	eventUnsupportedSender = "unsupported_sender"
	eventUnregistered      = "unregistered_recipient"
	eventOrderSaved        = "order_saved"
	eventStorageFailure    = "storage_failure"
	eventNotifyFailure     = "notify_failure"
	eventLabelFailure      = "label_failure"
	eventRegistrationClear = "registration_cleared"
	eventCycleSkipped      = "cycle_skipped"
)

type OrderStore interface {
	Exists(ctx context.Context, number string) (bool, error)
	Save(ctx context.Context, order model.Order) (bool, error)
}

type UserDirectory interface {
	IsEmailRegistered(ctx context.Context, email string) (bool, error)
}

// CycleReport counts what happened to each scanned message.
type CycleReport struct {
	Scanned           int
	Persisted         int
	Duplicates        int
	Unregistered      int
	UnsupportedSender int
	ParseFailures     int
	Failed            int
}

type outcome int

const (
	outcomePersisted outcome = iota
	outcomeDuplicate
	outcomeUnregistered
	outcomeUnsupported
	outcomeParseFailure
	outcomeFailed
)

func (r *CycleReport) add(o outcome) {
	switch o {
	case outcomePersisted:
		r.Persisted++
	case outcomeDuplicate:
		r.Duplicates++
	case outcomeUnregistered:
		r.Unregistered++
	case outcomeUnsupported:
		r.UnsupportedSender++
	case outcomeParseFailure:
		r.ParseFailures++
	case outcomeFailed:
		r.Failed++
	}
}

// InboxWorker polls the mailbox for forwarded order confirmations. All
// cycles and sweeps run on the goroutine that called Start, so they never
// overlap within a process; the locker covers other processes.
type InboxWorker struct {
	dialer   mailbox.Dialer
	orders   OrderStore
	users    UserDirectory
	notifier notify.Notifier
	locker   lock.Locker
	metrics  *metrics.Registry
	logger   *slog.Logger

	interval     time.Duration
	cycleTimeout time.Duration
	newID        func() string
	now          func() time.Time

	trigger chan struct{}
	sweep   chan struct{}
}

type Option func(*InboxWorker)

func WithInterval(d time.Duration) Option {
	return func(w *InboxWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithCycleTimeout(d time.Duration) Option {
	return func(w *InboxWorker) {
		if d > 0 {
			w.cycleTimeout = d
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(w *InboxWorker) { w.notifier = n }
}

func WithLocker(l lock.Locker) Option {
	return func(w *InboxWorker) { w.locker = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(w *InboxWorker) { w.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *InboxWorker) { w.logger = l }
}

func NewInboxWorker(dialer mailbox.Dialer, orders OrderStore, users UserDirectory, opts ...Option) *InboxWorker {
	w := &InboxWorker{
		dialer:       dialer,
		orders:       orders,
		users:        users,
		logger:       slog.Default(),
		interval:     5 * time.Minute,
		cycleTimeout: 2 * time.Minute,
		newID:        uuid.NewString,
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
		sweep:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notifier == nil {
		w.notifier = notify.NewLogNotifier(w.logger)
	}
	if w.locker == nil {
		w.locker = lock.NewLocalLocker()
	}
	return w
}

// Start runs one cycle immediately and then serves the ticker, manual
// rechecks and registration sweeps until ctx is cancelled.
func (w *InboxWorker) Start(ctx context.Context) {
	w.logger.Info("starting inbox worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runCycle(ctx)

	pendingSweep := false
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox worker stopped")
			return
		case <-ticker.C:
			if pendingSweep {
				pendingSweep = !w.runSweep(ctx)
			}
			w.runCycle(ctx)
		case <-w.trigger:
			w.runCycle(ctx)
		case <-w.sweep:
			pendingSweep = !w.runSweep(ctx)
		}
	}
}

// Recheck asks the loop for an extra cycle. Requests made while one is
// already pending are merged.
func (w *InboxWorker) Recheck() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// UserRegistered schedules a sweep of messages held back for an unknown
// recipient. It never blocks the caller.
func (w *InboxWorker) UserRegistered(user model.RegisteredUser) {
	w.logger.Debug("user registered, scheduling sweep", "identity", user.Identity)
	select {
	case w.sweep <- struct{}{}:
	default:
	}
}

func (w *InboxWorker) runCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.cycleTimeout)
	defer cancel()

	report, err := w.CheckInbox(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		w.logger.Info("inbox cycle skipped", "event", eventCycleSkipped)
	case err != nil:
		w.logger.Error("inbox cycle failed", "error", err)
	default:
		w.logger.Info("inbox cycle finished",
			"scanned", report.Scanned,
			"persisted", report.Persisted,
			"duplicates", report.Duplicates,
			"unregistered", report.Unregistered,
			"unsupported", report.UnsupportedSender,
			"parse_failures", report.ParseFailures,
			"failed", report.Failed,
		)
	}
}

// runSweep reports whether the sweep ran; a sweep blocked by another
// replica is retried on the next tick. Cleared messages get a cycle right
// away instead of waiting for the ticker.
func (w *InboxWorker) runSweep(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.cycleTimeout)
	defer cancel()

	cleared, err := w.SweepUnregistered(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		w.logger.Info("registration sweep deferred", "event", eventCycleSkipped)
		return false
	case err != nil:
		w.logger.Error("registration sweep failed", "error", err)
	default:
		w.logger.Info("registration sweep finished", "cleared", cleared)
		if cleared > 0 {
			w.Recheck()
		}
	}
	return true
}

// CheckInbox runs a single poll cycle over every message not yet labeled
// processed. Only connection and listing failures abort the cycle.
func (w *InboxWorker) CheckInbox(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	release, ok, err := w.locker.TryLock(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire inbox lock: %w", err)
	}
	if !ok {
		w.count(eventCycleSkipped)
		return report, ErrCycleInProgress
	}
	defer release()

	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.CycleSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	session, err := w.open(ctx)
	if err != nil {
		return report, err
	}
	defer w.close(session)

	messages, err := session.Without(ctx, mailbox.LabelProcessed)
	if err != nil {
		w.count(eventConnectionFailure)
		w.logger.Error("list unprocessed messages", "event", eventConnectionFailure, "error", err)
		return report, fmt.Errorf("list unprocessed messages: %w", err)
	}

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		report.add(w.processMessage(ctx, session, msg))
	}

	w.recordStuck(report)
	return report, nil
}

// SweepUnregistered removes the unregistered label from every message whose
// recipient has since registered. Cleared messages are picked up by the next
// regular cycle.
func (w *InboxWorker) SweepUnregistered(ctx context.Context) (int, error) {
	release, ok, err := w.locker.TryLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire inbox lock: %w", err)
	}
	if !ok {
		w.count(eventCycleSkipped)
		return 0, ErrCycleInProgress
	}
	defer release()

	session, err := w.open(ctx)
	if err != nil {
		return 0, err
	}
	defer w.close(session)

	messages, err := session.With(ctx, mailbox.LabelUnregistered)
	if err != nil {
		w.count(eventConnectionFailure)
		return 0, fmt.Errorf("list unregistered messages: %w", err)
	}

	cleared := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		log := w.logger.With("uid", msg.UID)

		recipient := parser.ExtractOriginalRecipient(msg.Body)
		if recipient == "" {
			continue
		}
		registered, err := w.users.IsEmailRegistered(ctx, recipient)
		if err != nil {
			w.count(eventStorageFailure)
			log.Error("check recipient", "event", eventStorageFailure, "recipient", recipient, "error", err)
			continue
		}
		if !registered {
			continue
		}

		if err := session.RemoveLabel(ctx, msg.UID, mailbox.LabelUnregistered); err != nil {
			w.count(eventLabelFailure)
			log.Error("remove unregistered label", "event", eventLabelFailure, "error", err)
			continue
		}
		cleared++
		w.count(eventRegistrationClear)
		log.Info("recipient now registered", "event", eventRegistrationClear, "recipient", recipient)
	}
	return cleared, nil
}

func (w *InboxWorker) processMessage(ctx context.Context, session mailbox.Session, msg mailbox.Message) outcome {
	log := w.logger.With("uid", msg.UID)

	if msg.Err != nil {
		w.count(eventParseFailure)
		log.Warn("could not decode message", "event", eventParseFailure, "error", msg.Err)
		return outcomeParseFailure
	}

	recipient := parser.ExtractOriginalRecipient(msg.Body)
	if recipient == "" {
		return w.holdBack(ctx, session, msg, log, "")
	}

	registered, err := w.users.IsEmailRegistered(ctx, recipient)
	if err != nil {
		w.count(eventStorageFailure)
		log.Error("check recipient", "event", eventStorageFailure, "recipient", recipient, "error", err)
		return outcomeFailed
	}
	if !registered {
		return w.holdBack(ctx, session, msg, log, recipient)
	}

	sender := parser.ExtractOriginalSender(msg.Body)
	brewery, known := parser.ResolveBrewery(sender)
	extractor, supported := brewery.Extractor()
	if !known || !supported {
		w.count(eventUnsupportedSender)
		log.Warn("unsupported sender", "event", eventUnsupportedSender, "sender", sender, "brewery", brewery.String())
		return outcomeUnsupported
	}

	order := extractor.ExtractOrder(msg.Body)
	if order == nil {
		w.count(eventParseFailure)
		log.Warn("could not parse order", "event", eventParseFailure, "brewery", brewery.String())
		return outcomeParseFailure
	}
	log = log.With("order", order.OrderNumber)

	exists, err := w.orders.Exists(ctx, order.OrderNumber)
	if err != nil {
		w.count(eventStorageFailure)
		log.Error("check order", "event", eventStorageFailure, "error", err)
		return outcomeFailed
	}
	if exists {
		w.markProcessed(ctx, session, msg, log)
		w.count(eventDuplicate)
		log.Info("order already stored", "event", eventDuplicate)
		return outcomeDuplicate
	}

	order.ID = w.newID()
	order.Brewery = brewery.String()
	order.Recipient = recipient
	order.CreatedAt = w.now()
	if purchaser, ok := extractor.ExtractPurchaser(msg.Body); ok {
		order.Purchaser = &purchaser
	}

	inserted, err := w.orders.Save(ctx, *order)
	if err != nil {
		w.count(eventStorageFailure)
		log.Error("save order", "event", eventStorageFailure, "error", err)
		return outcomeFailed
	}
	w.markProcessed(ctx, session, msg, log)
	if !inserted {
		w.count(eventDuplicate)
		log.Info("order stored concurrently", "event", eventDuplicate)
		return outcomeDuplicate
	}

	w.count(eventOrderSaved)
	log.Info("order saved", "event", eventOrderSaved, "brewery", order.Brewery, "purchaser", order.PurchaserName())

	if err := w.notifier.NotifyNewOrder(ctx, *order); err != nil {
		w.count(eventNotifyFailure)
		log.Error("notify new order", "event", eventNotifyFailure, "error", err)
	}
	return outcomePersisted
}

// holdBack labels a message whose recipient is missing or unknown. The
// message stays a candidate for later cycles.
func (w *InboxWorker) holdBack(ctx context.Context, session mailbox.Session, msg mailbox.Message, log *slog.Logger, recipient string) outcome {
	w.count(eventUnregistered)
	log.Info("recipient not registered", "event", eventUnregistered, "recipient", recipient)

	if msg.HasLabel(mailbox.LabelUnregistered) {
		return outcomeUnregistered
	}
	if err := session.AddLabel(ctx, msg.UID, mailbox.LabelUnregistered); err != nil {
		w.count(eventLabelFailure)
		log.Error("add unregistered label", "event", eventLabelFailure, "error", err)
	}
	return outcomeUnregistered
}

func (w *InboxWorker) markProcessed(ctx context.Context, session mailbox.Session, msg mailbox.Message, log *slog.Logger) {
	if err := session.AddLabel(ctx, msg.UID, mailbox.LabelProcessed); err != nil {
		w.count(eventLabelFailure)
		log.Error("add processed label", "event", eventLabelFailure, "error", err)
		return
	}
	if !msg.HasLabel(mailbox.LabelUnregistered) {
		return
	}
	if err := session.RemoveLabel(ctx, msg.UID, mailbox.LabelUnregistered); err != nil {
		w.count(eventLabelFailure)
		log.Error("remove unregistered label", "event", eventLabelFailure, "error", err)
	}
}

func (w *InboxWorker) open(ctx context.Context) (mailbox.Session, error) {
	session, err := w.dialer.Dial(ctx)
	if err != nil {
		w.count(eventConnectionFailure)
		w.logger.Error("mailbox unavailable", "event", eventConnectionFailure, "error", err)
		return nil, err
	}
	return session, nil
}

func (w *InboxWorker) close(session mailbox.Session) {
	if err := session.Close(); err != nil {
		w.logger.Warn("close mailbox session", "error", err)
	}
}

func (w *InboxWorker) count(event string) {
	if w.metrics != nil {
		w.metrics.InboxEvents.WithLabelValues(event).Inc()
	}
}

func (w *InboxWorker) recordStuck(r CycleReport) {
	if w.metrics == nil {
		return
	}
	w.metrics.StuckMessages.WithLabelValues(eventUnregistered).Set(float64(r.Unregistered))
	w.metrics.StuckMessages.WithLabelValues(eventUnsupportedSender).Set(float64(r.UnsupportedSender))
	w.metrics.StuckMessages.WithLabelValues(eventParseFailure).Set(float64(r.ParseFailures))
	w.metrics.StuckMessages.WithLabelValues(eventStorageFailure).Set(float64(r.Failed))
}
