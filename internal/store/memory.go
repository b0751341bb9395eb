package store

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/mailcore/internal/search"
)

const inboxName = "INBOX"

// MemoryStore is a reference, in-process Store backed by maps. It exists
// to exercise the IMAP/POP3 engines' mailbox operations end to end
// without a real message store; production deployments supply their own
// Store (Maildir, a database, a remote message service).
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*userData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*userData)}
}

type userData struct {
	mu            sync.Mutex
	mailboxes     map[string]*mailboxData
	subscriptions map[string]bool
}

type mailboxData struct {
	mu          sync.Mutex
	uidValidity uint32
	uidNext     uint32
	messages    []*memoryMessage
	updates     chan Update
}

type memoryMessage struct {
	uid          uint32
	flags        map[string]bool
	internalDate time.Time
	content      []byte
	expunged     bool
}

func newMailboxData() *mailboxData {
	return &mailboxData{
		uidValidity: uidValiditySeed(),
		uidNext:     1,
		updates:     make(chan Update, 32),
	}
}

// uidValiditySeed derives a UIDVALIDITY value from a fresh UUID, avoiding
// a wall-clock read (spec engines must stay deterministic in tests).
func uidValiditySeed() uint32 {
	id := uuid.New()
	b := id[:4]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Open implements Store.
func (s *MemoryStore) Open(_ context.Context, user string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ud, ok := s.users[user]
	if !ok {
		ud = &userData{
			mailboxes:     map[string]*mailboxData{inboxName: newMailboxData()},
			subscriptions: map[string]bool{inboxName: true},
		}
		s.users[user] = ud
	}
	return &memorySession{user: user, data: ud}, nil
}

// AddMessage seeds mailbox with a message, for tests and fixture setup
// that need data present before a session opens it.
func (s *MemoryStore) AddMessage(user, mailbox string, content []byte, flags []string, internalDate time.Time) {
	s.mu.Lock()
	ud, ok := s.users[user]
	if !ok {
		ud = &userData{
			mailboxes:     map[string]*mailboxData{inboxName: newMailboxData()},
			subscriptions: map[string]bool{inboxName: true},
		}
		s.users[user] = ud
	}
	mb, ok := ud.mailboxes[mailbox]
	if !ok {
		mb = newMailboxData()
		ud.mailboxes[mailbox] = mb
	}
	s.mu.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	flagSet := make(map[string]bool, len(flags))
	for _, f := range flags {
		flagSet[f] = true
	}
	mb.messages = append(mb.messages, &memoryMessage{
		uid:          mb.uidNext,
		flags:        flagSet,
		internalDate: internalDate,
		content:      content,
	})
	mb.uidNext++
}

type memorySession struct {
	user string
	data *userData
}

func (s *memorySession) OpenMailbox(_ context.Context, name string, readOnly bool) (Mailbox, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	mb, ok := s.data.mailboxes[name]
	if !ok {
		return nil, ErrNoSuchMailbox
	}
	return &memoryMailbox{data: mb, readOnly: readOnly}, nil
}

func (s *memorySession) Create(_ context.Context, name string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.mailboxes[name]; ok {
		return ErrMailboxExists
	}
	s.data.mailboxes[name] = newMailboxData()
	return nil
}

func (s *memorySession) Delete(_ context.Context, name string) error {
	if name == inboxName {
		return ErrNoSuchMailbox
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.mailboxes[name]; !ok {
		return ErrNoSuchMailbox
	}
	delete(s.data.mailboxes, name)
	delete(s.data.subscriptions, name)
	return nil
}

func (s *memorySession) Rename(_ context.Context, oldName, newName string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	mb, ok := s.data.mailboxes[oldName]
	if !ok {
		return ErrNoSuchMailbox
	}
	if _, exists := s.data.mailboxes[newName]; exists {
		return ErrMailboxExists
	}
	s.data.mailboxes[newName] = mb
	if oldName != inboxName {
		delete(s.data.mailboxes, oldName)
	} else {
		s.data.mailboxes[inboxName] = newMailboxData()
	}
	return nil
}

func (s *memorySession) Subscribe(_ context.Context, name string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	if _, ok := s.data.mailboxes[name]; !ok {
		return ErrNoSuchMailbox
	}
	s.data.subscriptions[name] = true
	return nil
}

func (s *memorySession) Unsubscribe(_ context.Context, name string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	delete(s.data.subscriptions, name)
	return nil
}

func (s *memorySession) List(_ context.Context, _, pattern string) ([]MailboxAttrs, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	var out []MailboxAttrs
	for name := range s.data.mailboxes {
		if !matchMailboxPattern(pattern, name) {
			continue
		}
		out = append(out, MailboxAttrs{
			Name:       name,
			Delimiter:  '/',
			Subscribed: s.data.subscriptions[name],
		})
	}
	return out, nil
}

func (s *memorySession) ListSubscribed(ctx context.Context, ref, pattern string) ([]MailboxAttrs, error) {
	all, err := s.List(ctx, ref, pattern)
	if err != nil {
		return nil, err
	}
	var out []MailboxAttrs
	for _, a := range all {
		if a.Subscribed {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memorySession) HierarchyDelimiter() rune { return '/' }

func (s *memorySession) PersonalNamespace() string { return "" }

func (s *memorySession) Close() error { return nil }

// matchMailboxPattern implements IMAP LIST's "*" (any characters,
// including hierarchy delimiters) and "%" (any characters except the
// delimiter) wildcards.
func matchMailboxPattern(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	return matchWildcard([]rune(pattern), []rune(name))
}

func matchWildcard(pattern, name []rune) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if matchWildcard(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if i > 0 && name[i-1] == '/' {
				break
			}
			if matchWildcard(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	default:
		if len(name) == 0 || name[0] != pattern[0] {
			return false
		}
		return matchWildcard(pattern[1:], name[1:])
	}
}

type memoryMailbox struct {
	data     *mailboxData
	readOnly bool
}

func (m *memoryMailbox) live() []*memoryMessage {
	var out []*memoryMessage
	for _, msg := range m.data.messages {
		if !msg.expunged {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memoryMailbox) MessageCount(_ context.Context) (int, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	return len(m.live()), nil
}

func (m *memoryMailbox) MailboxSize(_ context.Context) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var total int64
	for _, msg := range m.live() {
		total += int64(len(msg.content))
	}
	return total, nil
}

func (m *memoryMailbox) UIDValidity(_ context.Context) (uint32, error) {
	return m.data.uidValidity, nil
}

func (m *memoryMailbox) UIDNext(_ context.Context) (uint32, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	return m.data.uidNext, nil
}

func (m *memoryMailbox) PermanentFlags(_ context.Context) ([]string, error) {
	return []string{"\\Answered", "\\Flagged", "\\Deleted", "\\Seen", "\\Draft"}, nil
}

func (m *memoryMailbox) msgBySeq(seq int) (*memoryMessage, error) {
	live := m.live()
	if seq < 1 || seq > len(live) {
		return nil, ErrNoSuchMessage
	}
	return live[seq-1], nil
}

func (m *memoryMailbox) IsDeleted(_ context.Context, seq int) (bool, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	msg, err := m.msgBySeq(seq)
	if err != nil {
		return false, err
	}
	return msg.flags["\\Deleted"], nil
}

func (m *memoryMailbox) DeleteMessage(_ context.Context, seq int) error {
	if m.readOnly {
		return ErrNoSuchMessage
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	msg, err := m.msgBySeq(seq)
	if err != nil {
		return err
	}
	if msg.flags == nil {
		msg.flags = make(map[string]bool)
	}
	msg.flags["\\Deleted"] = true
	return nil
}

func (m *memoryMailbox) UndeleteAll(_ context.Context) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, msg := range m.live() {
		delete(msg.flags, "\\Deleted")
	}
	return nil
}

func (m *memoryMailbox) Expunge(_ context.Context) ([]int, error) {
	if m.readOnly {
		return nil, nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()

	var expungedSeqs []int
	var kept []*memoryMessage
	seq := 0
	for _, msg := range m.data.messages {
		if msg.expunged {
			continue
		}
		seq++
		if msg.flags["\\Deleted"] {
			expungedSeqs = append(expungedSeqs, seq)
			msg.expunged = true
			continue
		}
		kept = append(kept, msg)
	}
	m.data.messages = kept

	for i := len(expungedSeqs) - 1; i >= 0; i-- {
		m.emit(Update{Kind: "EXPUNGE", Seq: expungedSeqs[i]})
	}
	return expungedSeqs, nil
}

func (m *memoryMailbox) GetMessage(_ context.Context, seq int) (*MessageDescriptor, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	msg, err := m.msgBySeq(seq)
	if err != nil {
		return nil, err
	}
	return descriptorOf(seq, msg), nil
}

func descriptorOf(seq int, msg *memoryMessage) *MessageDescriptor {
	flags := make([]string, 0, len(msg.flags))
	for f, set := range msg.flags {
		if set {
			flags = append(flags, f)
		}
	}
	return &MessageDescriptor{
		Seq:          seq,
		UID:          msg.uid,
		Size:         int64(len(msg.content)),
		InternalDate: msg.internalDate,
		Flags:        flags,
	}
}

func (m *memoryMailbox) GetMessageContent(_ context.Context, seq int) (io.ReadCloser, error) {
	m.data.mu.Lock()
	msg, err := m.msgBySeq(seq)
	m.data.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(msg.content)), nil
}

func (m *memoryMailbox) GetMessageTop(ctx context.Context, seq, lines int) (io.ReadCloser, error) {
	m.data.mu.Lock()
	msg, err := m.msgBySeq(seq)
	m.data.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(topOf(msg.content, lines))), nil
}

// topOf returns the message headers in full plus the first n lines of
// the body, matching POP3 TOP's semantics (RFC 1939 §7).
func topOf(content []byte, n int) []byte {
	parts := bytes.SplitN(content, []byte("\r\n\r\n"), 2)
	if len(parts) < 2 {
		return content
	}
	header := parts[0]
	body := parts[1]

	bodyLines := bytes.Split(body, []byte("\r\n"))
	if n < len(bodyLines) {
		bodyLines = bodyLines[:n]
	}

	out := append(append([]byte{}, header...), []byte("\r\n\r\n")...)
	out = append(out, bytes.Join(bodyLines, []byte("\r\n"))...)
	return out
}

func (m *memoryMailbox) GetUniqueID(_ context.Context, seq int) (string, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	msg, err := m.msgBySeq(seq)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(msg.uid), 10), nil
}

func (m *memoryMailbox) GetMessageList(_ context.Context) ([]MessageDescriptor, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()

	live := m.live()
	out := make([]MessageDescriptor, len(live))
	for i, msg := range live {
		out[i] = *descriptorOf(i+1, msg)
	}
	return out, nil
}

func (m *memoryMailbox) Search(_ context.Context, crit *search.Node) ([]int, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()

	live := m.live()
	var matches []int
	for i, msg := range live {
		seq := i + 1
		if evalNode(crit, seq, uint32(len(live)), msg) {
			matches = append(matches, seq)
		}
	}
	return matches, nil
}

func (m *memoryMailbox) StartAppend(_ context.Context, flags []string, internalDate time.Time) (AppendTransaction, error) {
	if internalDate.IsZero() {
		internalDate = time.Unix(0, 0).UTC()
	}
	flagSet := make(map[string]bool, len(flags))
	for _, f := range flags {
		flagSet[f] = true
	}
	return &memoryAppend{mailbox: m, flags: flagSet, internalDate: internalDate}, nil
}

func (m *memoryMailbox) Updates() <-chan Update {
	return m.data.updates
}

func (m *memoryMailbox) emit(u Update) {
	select {
	case m.data.updates <- u:
	default:
	}
}

func (m *memoryMailbox) Close(_ context.Context, expunge bool) error {
	if expunge && !m.readOnly {
		m.data.mu.Lock()
		var kept []*memoryMessage
		for _, msg := range m.data.messages {
			if !msg.expunged && !msg.flags["\\Deleted"] {
				kept = append(kept, msg)
			}
		}
		m.data.messages = kept
		m.data.mu.Unlock()
	}
	return nil
}

type memoryAppend struct {
	mailbox      *memoryMailbox
	flags        map[string]bool
	internalDate time.Time
	buf          bytes.Buffer
	done         bool
}

func (a *memoryAppend) Write(p []byte) (int, error) {
	return a.buf.Write(p)
}

func (a *memoryAppend) Commit(_ context.Context) (uint32, error) {
	if a.done {
		return 0, io.ErrClosedPipe
	}
	a.done = true

	m := a.mailbox
	m.data.mu.Lock()
	uid := m.data.uidNext
	m.data.uidNext++
	m.data.messages = append(m.data.messages, &memoryMessage{
		uid:          uid,
		flags:        a.flags,
		internalDate: a.internalDate,
		content:      append([]byte{}, a.buf.Bytes()...),
	})
	seq := len(m.live())
	m.data.mu.Unlock()

	m.emit(Update{Kind: "EXISTS", Seq: seq})
	return uid, nil
}

func (a *memoryAppend) Abort(_ context.Context) error {
	a.done = true
	a.buf.Reset()
	return nil
}
