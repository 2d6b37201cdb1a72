package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// LabelMode selects how labels are stored on the server.
type LabelMode string

const (
	// LabelModeKeyword stores labels as IMAP keywords (RFC 3501 flags).
	LabelModeKeyword LabelMode = "keyword"
	// LabelModeGmail stores labels as Gmail labels through X-GM-LABELS.
	LabelModeGmail LabelMode = "gmail"
)

const gmailLabelsItem imap.FetchItem = "X-GM-LABELS"

type IMAPConfig struct {
	Server    string
	Port      int
	Username  string
	Password  string
	Mailbox   string
	Timeout   time.Duration
	LabelMode LabelMode
}

type IMAPDialer struct {
	cfg    IMAPConfig
	logger *slog.Logger
}

func NewIMAPDialer(cfg IMAPConfig, logger *slog.Logger) *IMAPDialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LabelMode == "" {
		cfg.LabelMode = LabelModeKeyword
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPDialer{cfg: cfg, logger: logger}
}

// connDialer dials under ctx and keeps the raw connection so the connect
// phase (TLS handshake, greeting, login, select) runs under one deadline.
// go-imap v1 only applies its own deadline for a bare *net.Dialer.
type connDialer struct {
	ctx     context.Context
	timeout time.Duration
	conn    net.Conn
	stop    func() bool
}

func (cd *connDialer) Dial(network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: cd.timeout}
	conn, err := d.DialContext(cd.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(cd.timeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	cd.conn = conn
	// go-imap v1 has no context support; drop the connection on cancel.
	cd.stop = context.AfterFunc(cd.ctx, func() { _ = conn.Close() })
	return conn, nil
}

// abort tears down a half-open connection.
func (cd *connDialer) abort() {
	if cd.stop != nil {
		cd.stop()
	}
	if cd.conn != nil {
		_ = cd.conn.Close()
	}
}

// Dial connects over implicit TLS, logs in and selects the configured
// mailbox. Every failure is wrapped in ErrConnection.
func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.cfg.Server, strconv.Itoa(d.cfg.Port))
	cd := &connDialer{ctx: ctx, timeout: d.cfg.Timeout}

	c, err := client.DialWithDialerTLS(cd, addr, &tls.Config{ServerName: d.cfg.Server})
	if err != nil {
		cd.abort()
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	c.Timeout = d.cfg.Timeout

	if err := c.Login(d.cfg.Username, d.cfg.Password); err != nil {
		cd.abort()
		return nil, fmt.Errorf("%w: login: %v", ErrConnection, err)
	}
	if _, err := c.Select(d.cfg.Mailbox, false); err != nil {
		cd.abort()
		return nil, fmt.Errorf("%w: select %s: %v", ErrConnection, d.cfg.Mailbox, err)
	}
	if err := cd.conn.SetDeadline(time.Time{}); err != nil {
		cd.abort()
		return nil, fmt.Errorf("%w: clear deadline: %v", ErrConnection, err)
	}

	d.logger.Debug("mailbox session opened", "server", addr, "mailbox", d.cfg.Mailbox)
	return &imapSession{c: c, mode: d.cfg.LabelMode, stop: cd.stop}, nil
}

type imapSession struct {
	c    *client.Client
	mode LabelMode
	stop func() bool
}

func (s *imapSession) Without(ctx context.Context, label string) ([]Message, error) {
	return s.list(ctx, label, false)
}

func (s *imapSession) With(ctx context.Context, label string) ([]Message, error) {
	return s.list(ctx, label, true)
}

func (s *imapSession) list(ctx context.Context, label string, with bool) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := s.search(label, with)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}
	return s.fetch(uids)
}

func (s *imapSession) search(label string, with bool) ([]uint32, error) {
	if s.mode == LabelModeGmail {
		return s.searchGmail(label, with)
	}

	criteria := imap.NewSearchCriteria()
	if with {
		criteria.WithFlags = []string{label}
	} else {
		criteria.WithoutFlags = []string{label}
	}
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", label, err)
	}
	return uids, nil
}

// searchGmail fetches the label set of every message and filters locally;
// go-imap v1 cannot express X-GM-RAW searches.
func (s *imapSession) searchGmail(label string, with bool) ([]uint32, error) {
	all, err := s.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("search all: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(all...)

	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, gmailLabelsItem}, ch)
	}()

	var uids []uint32
	for msg := range ch {
		labels := gmailLabels(msg)
		if hasLabel(labels, label) == with {
			uids = append(uids, msg.Uid)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch labels: %w", err)
	}
	return uids, nil
}

func (s *imapSession) fetch(uids []uint32) ([]Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, section.FetchItem()}
	if s.mode == LabelModeGmail {
		items = append(items, gmailLabelsItem)
	}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		labels := msg.Flags
		if s.mode == LabelModeGmail {
			labels = gmailLabels(msg)
		}
		messages = append(messages, decodeMessage(msg.Uid, labels, msg.GetBody(section)))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
	return messages, nil
}

// decodeMessage never fails; a body that cannot be read is reported through
// Message.Err so one broken mail does not hide the rest of the batch.
func decodeMessage(uid uint32, labels []string, literal io.Reader) Message {
	msg := Message{UID: uid, Labels: labels}
	if literal == nil {
		msg.Err = fmt.Errorf("decode message %d: %w", uid, ErrNoBody)
		return msg
	}
	body, err := ReadBody(literal)
	if err != nil {
		msg.Err = fmt.Errorf("decode message %d: %w", uid, err)
		return msg
	}
	msg.Body = body
	return msg
}

func (s *imapSession) AddLabel(ctx context.Context, uid uint32, label string) error {
	return s.store(ctx, uid, label, imap.AddFlags)
}

func (s *imapSession) RemoveLabel(ctx context.Context, uid uint32, label string) error {
	return s.store(ctx, uid, label, imap.RemoveFlags)
}

func (s *imapSession) store(ctx context.Context, uid uint32, label string, op imap.FlagsOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(op, true)
	if s.mode == LabelModeGmail {
		sign := "+"
		if op == imap.RemoveFlags {
			sign = "-"
		}
		item = imap.StoreItem(sign + string(gmailLabelsItem) + ".SILENT")
	}
	if err := s.c.UidStore(seqset, item, []interface{}{label}, nil); err != nil {
		return fmt.Errorf("store %s on %d: %w", label, uid, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	s.stop()
	if err := s.c.Logout(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func gmailLabels(msg *imap.Message) []string {
	raw, ok := msg.Items[gmailLabelsItem]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(list))
	for _, v := range list {
		switch l := v.(type) {
		case string:
			labels = append(labels, l)
		default:
			labels = append(labels, strings.TrimSpace(fmt.Sprint(l)))
		}
	}
	return labels
}

func hasLabel(labels []string, label string) bool {
	return Message{Labels: labels}.HasLabel(label)
}
