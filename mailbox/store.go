// Package mailbox is the crash-safe filesystem store behind the messaging
// core. Layout under the root:
//
//	outbox/                      *.json  pending outbound
//	inbox/                       *.bin   raw received blobs
//	<local_user>/thread/<peer>/  *.json  per-peer conversation
//
// Every write lands in a .tmp file, is fsynced and renamed over the target,
// so a crash leaves the target absent or whole, never truncated.
package mailbox

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultRoot is where the appliance keeps its mailboxes unless configured
// otherwise.
const DefaultRoot = "/var/opt/pr-holonet/mailboxes"

// InboxItem is a raw received blob awaiting parsing.
type InboxItem struct {
	Filename string
	Data     []byte
}

type Store struct {
	root string

	now func() string
}

func NewStore(root string) *Store {
	if root == "" {
		root = DefaultRoot
	}
	return &Store{root: root, now: utcNow}
}

// ListRecipients returns the peers the user has threads with, sorted.
func (s *Store) ListRecipients(localUser string) []string {
	dir := s.threadboxesPath(localUser)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("mailbox: failed to list %s: %v", dir, err)
		}
		return nil
	}

	var result []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		result = append(result, e.Name())
	}
	sort.Strings(result)
	return result
}

// GetThread returns the conversation with peer in chronological order.
// Entries whose file is still in the outbox get NotYetSent set.
func (s *Store) GetThread(localUser, peer string) []*Message {
	msgs := s.readMailbox(s.threadboxPath(localUser, peer))

	outbox := s.readMailbox(s.mailboxPath("outbox"))
	pending := make(map[string]bool, len(outbox))
	for _, m := range outbox {
		pending[m.Filename] = true
	}
	for _, m := range msgs {
		if pending[m.Filename] {
			m.NotYetSent = true
		}
	}
	return msgs
}

// DeleteThread removes the whole conversation with peer. Errors are logged,
// not returned; a partially removed thread just looks shorter.
func (s *Store) DeleteThread(localUser, peer string) {
	dir := s.threadboxPath(localUser, peer)
	if err := os.RemoveAll(dir); err != nil {
		log.Errorf("mailbox: cannot delete %s: %v", dir, err)
	}
}

// QueueMessageSend normalises the recipient and writes the message to the
// outbox and the thread under one shared filename. Only an unnormalisable
// recipient is reported back; filesystem trouble is logged and swallowed, and
// a write that fails is not retried.
func (s *Store) QueueMessageSend(localUser, recipient, body string) error {
	normalized, err := normalizeRecipient(recipient)
	if err != nil {
		log.Warnf("mailbox: dropping message to unparseable recipient: %v", err)
		return err
	}

	now := s.now()
	msg := &Message{
		LocalUser: localUser,
		Recipient: normalized,
		Timestamp: now,
		Body:      body,
	}
	data, err := msg.encode()
	if err != nil {
		log.Errorf("mailbox: failed to encode message: %v", err)
		return nil
	}

	outboxDir := s.mailboxPath("outbox")
	threadDir := s.threadboxPath(localUser, normalized)

	fname := s.uniqueFilename(now, "json", outboxDir, threadDir)
	writeFileAtomic(filepath.Join(outboxDir, fname), data)
	writeFileAtomic(filepath.Join(threadDir, fname), data)
	return nil
}

// ReadOutbox returns the pending outbound messages, oldest first.
func (s *Store) ReadOutbox() []*Message {
	return s.readMailbox(s.mailboxPath("outbox"))
}

// RemoveFromOutbox drops the outbox copy after a successful satellite send.
// The thread copy remains.
func (s *Store) RemoveFromOutbox(filename string) {
	path := filepath.Join(s.mailboxPath("outbox"), filename)
	if err := os.Remove(path); err != nil {
		log.Errorf("mailbox: failed to remove %s: %v", path, err)
	}
}

// SaveMessageToInbox stores a raw received payload for later parsing.
func (s *Store) SaveMessageToInbox(data []byte) {
	now := s.now()
	dir := s.mailboxPath("inbox")
	fname := s.uniqueFilename(now, "bin", dir)
	writeFileAtomic(filepath.Join(dir, fname), data)
}

// ReadInbox returns the raw blobs waiting to be parsed, oldest first.
func (s *Store) ReadInbox() []InboxItem {
	dir := s.mailboxPath("inbox")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("mailbox: failed to list %s: %v", dir, err)
		}
		return nil
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var result []InboxItem
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Errorf("mailbox: failed to read %s: %v", name, err)
			continue
		}
		result = append(result, InboxItem{Filename: name, Data: data})
	}
	return result
}

// AcceptAllInboxMessages parses every inbox blob as "sender:body", files it
// into the sender's thread and deletes the blob. A blob that does not parse
// stays put and is logged, so mail is never silently dropped.
func (s *Store) AcceptAllInboxMessages(localUser string) []*Message {
	var result []*Message
	for _, item := range s.ReadInbox() {
		sender, body, ok := parseIncoming(item.Data)
		if !ok {
			log.Errorf("mailbox: cannot parse inbox blob %s; leaving it in place", item.Filename)
			continue
		}

		now := s.now()
		msg := &Message{
			LocalUser:  localUser,
			Sender:     sender,
			Timestamp:  now,
			ReceivedAt: now,
			Body:       body,
		}
		if !s.acceptMessage(msg) {
			continue
		}
		s.removeFromInbox(item.Filename)
		result = append(result, msg)
	}
	return result
}

// parseIncoming splits an on-air payload on the first colon.
func parseIncoming(data []byte) (sender, body string, ok bool) {
	i := bytes.IndexByte(data, ':')
	if i <= 0 {
		return "", "", false
	}
	return string(data[:i]), string(data[i+1:]), true
}

func (s *Store) acceptMessage(msg *Message) bool {
	data, err := msg.encode()
	if err != nil {
		log.Errorf("mailbox: failed to encode message: %v", err)
		return false
	}
	dir := s.threadboxPath(msg.LocalUser, msg.Sender)
	fname := s.uniqueFilename(msg.ReceivedAt, "json", dir)
	if err := writeFileAtomic(filepath.Join(dir, fname), data); err != nil {
		return false
	}
	msg.Filename = fname
	return true
}

func (s *Store) removeFromInbox(filename string) {
	path := filepath.Join(s.mailboxPath("inbox"), filename)
	if err := os.Remove(path); err != nil {
		log.Errorf("mailbox: failed to remove %s: %v", path, err)
	}
}

func (s *Store) readMailbox(dir string) []*Message {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("mailbox: failed to list %s: %v", dir, err)
		}
		return nil
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var result []*Message
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("mailbox: failed to read %s: %v", path, err)
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			log.Errorf("mailbox: failed to decode %s: %v", path, err)
			continue
		}
		msg.Filename = name
		result = append(result, msg)
	}
	return result
}

// uniqueFilename builds the timestamp filename, appending a disambiguator
// until the name is free in every given directory. Two sends inside the same
// microsecond must not share a file.
func (s *Store) uniqueFilename(ts, ext string, dirs ...string) string {
	base := strings.ReplaceAll(ts, ":", ".")
	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		name += "." + ext
		free := true
		for _, dir := range dirs {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				free = false
				break
			}
		}
		if free {
			return name
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Errorf("mailbox: failed to create %s: %v", dir, err)
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		log.Errorf("mailbox: failed to create %s: %v", tmp, err)
		return err
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		log.Errorf("mailbox: failed to write %s: %v", path, err)
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) mailboxPath(kind string) string {
	return filepath.Join(s.root, kind)
}

func (s *Store) threadboxesPath(localUser string) string {
	return filepath.Join(s.root, localUser, "thread")
}

func (s *Store) threadboxPath(localUser, peer string) string {
	return filepath.Join(s.threadboxesPath(localUser), peer)
}
