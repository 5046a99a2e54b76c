package remote

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

// imapSession implements Session over a live IMAP connection
type imapSession struct {
	account  string
	client   *client.Client
	logger   *logrus.Logger
	selected string
	readOnly bool
}

// DialIMAP opens a new IMAP session for the given account
func DialIMAP(cfg *config.AccountConfig, logger *logrus.Logger) (Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort)

	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: cfg.IMAPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := cl.Login(cfg.IMAPUsername, cfg.IMAPPassword); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	logger.WithField("account", cfg.Name).Info("Connected to IMAP server")
	return &imapSession{
		account: cfg.Name,
		client:  cl,
		logger:  logger,
	}, nil
}

// Ping verifies the connection with a NOOP
func (s *imapSession) Ping() error {
	return s.client.Noop()
}

// Logout terminates the session
func (s *imapSession) Logout() error {
	return s.client.Logout()
}

// ListFolders lists all mailboxes on the server
func (s *imapSession) ListFolders() ([]FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []FolderInfo
	for m := range mailboxes {
		folders = append(folders, FolderInfo{
			Path:       m.Name,
			Delimiter:  m.Delimiter,
			SpecialUse: specialUseFromAttributes(m.Name, m.Attributes),
			Selectable: isSelectable(m.Attributes),
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// SetFlags adds or removes flags on the given messages
func (s *imapSession) SetFlags(folder string, uids []int64, flags []string, add bool) error {
	if err := s.selectFolder(folder, false); err != nil {
		return err
	}

	item := flagsStoreItem(add)

	wireFlags := make([]interface{}, len(flags))
	for i, f := range flags {
		wireFlags[i] = wireFlag(f)
	}

	if err := s.client.UidStore(seqSetFromUIDs(uids), item, wireFlags, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// flagsStoreItem builds the silent STORE item for adding or removing flags
func flagsStoreItem(add bool) imap.StoreItem {
	op := imap.FlagsOp(imap.AddFlags)
	if !add {
		op = imap.FlagsOp(imap.RemoveFlags)
	}
	return imap.FormatFlagsOp(op, true)
}

// Delete flags messages deleted; a permanent delete also expunges them
func (s *imapSession) Delete(folder string, uids []int64, permanent bool) error {
	if err := s.selectFolder(folder, false); err != nil {
		return err
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqSetFromUIDs(uids), item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag messages deleted: %w", err)
	}

	if permanent {
		if err := s.client.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge messages: %w", err)
		}
	}
	return nil
}

// Move relocates messages to another folder and resolves the UIDs the
// server assigned there by searching for each Message-Id after the move.
func (s *imapSession) Move(fromFolder, toFolder string, uids []int64) (map[int64]int64, error) {
	if err := s.selectFolder(fromFolder, false); err != nil {
		return nil, err
	}

	messageIDs, err := s.fetchMessageIDs(uids)
	if err != nil {
		return nil, err
	}

	if err := s.client.UidMove(seqSetFromUIDs(uids), toFolder); err != nil {
		return nil, fmt.Errorf("failed to move messages: %w", err)
	}

	if err := s.selectFolder(toFolder, false); err != nil {
		return nil, err
	}

	mapping := make(map[int64]int64, len(uids))
	for uid, messageID := range messageIDs {
		if messageID == "" {
			continue
		}
		criteria := imap.NewSearchCriteria()
		criteria.Header.Set("Message-Id", messageID)

		found, err := s.client.UidSearch(criteria)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve moved message: %w", err)
		}
		// Take the highest UID in case the same Message-Id appears more
		// than once in the target folder.
		var newUID uint32
		for _, u := range found {
			if u > newUID {
				newUID = u
			}
		}
		if newUID > 0 {
			mapping[uid] = int64(newUID)
		}
	}
	return mapping, nil
}

// FetchSince fetches messages with UIDs above sinceUID, or the most recent
// page when sinceUID is zero.
func (s *imapSession) FetchSince(folder string, sinceUID int64, limit int) ([]*Message, error) {
	mbox, err := s.client.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}
	s.selected = folder
	s.readOnly = true

	if mbox.Messages == 0 {
		return nil, nil
	}

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid, imap.FetchRFC822}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	if sinceUID > 0 {
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(uint32(sinceUID+1), 0)
		go func() {
			done <- s.client.UidFetch(seqSet, items, messages)
		}()
	} else {
		// Initial page: fetch the most recent messages by sequence number
		start := uint32(1)
		if mbox.Messages > uint32(limit) {
			start = mbox.Messages - uint32(limit) + 1
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(start, mbox.Messages)
		go func() {
			done <- s.client.Fetch(seqSet, items, messages)
		}()
	}

	var fetched []*Message
	for msg := range messages {
		if int64(msg.Uid) <= sinceUID {
			continue
		}
		fetched = append(fetched, s.parseMessage(msg))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return fetched, nil
}

// selectFolder selects a mailbox unless it is already selected in a mode
// that permits the requested access. A read-only selection never satisfies
// a read-write request.
func (s *imapSession) selectFolder(folder string, readOnly bool) error {
	if s.selected == folder && (!s.readOnly || readOnly) {
		return nil
	}
	if _, err := s.client.Select(folder, readOnly); err != nil {
		return fmt.Errorf("failed to select folder: %w", err)
	}
	s.selected = folder
	s.readOnly = readOnly
	return nil
}

// fetchMessageIDs fetches the Message-Id header for each UID
func (s *imapSession) fetchMessageIDs(uids []int64) (map[int64]string, error) {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSetFromUIDs(uids), []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, messages)
	}()

	ids := make(map[int64]string, len(uids))
	for msg := range messages {
		if msg.Envelope != nil {
			ids[int64(msg.Uid)] = msg.Envelope.MessageId
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message ids: %w", err)
	}
	return ids, nil
}

// parseMessage parses an IMAP message into a Message
func (s *imapSession) parseMessage(msg *imap.Message) *Message {
	m := &Message{
		Email: types.Email{
			UID:        int64(msg.Uid),
			Recipients: []string{},
			Flags:      []string{},
			SyncStatus: types.SyncSynced,
		},
	}

	if msg.Envelope != nil {
		m.Email.MessageID = msg.Envelope.MessageId
		m.Email.Subject = msg.Envelope.Subject
		m.Email.Date = msg.Envelope.Date

		if len(msg.Envelope.From) > 0 {
			addr := msg.Envelope.From[0]
			m.Email.SenderName = addr.PersonalName
			m.Email.SenderEmail = addr.Address()
		}

		for _, to := range msg.Envelope.To {
			m.Email.Recipients = append(m.Email.Recipients, to.Address())
		}
		for _, cc := range msg.Envelope.Cc {
			m.Email.Recipients = append(m.Email.Recipients, cc.Address())
		}
	}
	if m.Email.Date.IsZero() {
		m.Email.Date = msg.InternalDate
	}

	// Keep only flags the mirror understands; internal markers like
	// \Recent are not mirrored.
	for _, f := range msg.Flags {
		if local := localFlag(f); local != "" {
			m.Email.Flags = append(m.Email.Flags, local)
		}
	}

	// Parse the body from the RFC822 literal
	bodyBytes := s.readBody(msg)
	if len(bodyBytes) > 0 {
		env, err := enmime.ReadEnvelope(bytes.NewReader(bodyBytes))
		if err == nil {
			m.Body.Text = env.Text
			m.Body.HTML = env.HTML
			m.Email.HasAttachment = len(env.Attachments) > 0
		} else {
			m.Body.Text = string(bodyBytes)
			s.logger.WithError(err).Debug("Failed to parse message with enmime, using raw body")
		}
	}

	return m
}

// readBody reads the RFC822 literal from a fetched message
func (s *imapSession) readBody(msg *imap.Message) []byte {
	if msg.Body == nil {
		return nil
	}

	for _, literal := range msg.Body {
		body, err := io.ReadAll(literal)
		if err != nil {
			s.logger.WithError(err).Error("Error reading message literal")
			continue
		}
		if len(body) > 0 {
			return body
		}
	}
	return nil
}

// seqSetFromUIDs builds a sequence set from server UIDs
func seqSetFromUIDs(uids []int64) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		if uid > 0 {
			seqSet.AddNum(uint32(uid))
		}
	}
	return seqSet
}

// wireFlag translates a canonical flag name to its IMAP representation
func wireFlag(flag string) string {
	switch flag {
	case types.FlagSeen:
		return imap.SeenFlag
	case types.FlagFlagged:
		return imap.FlaggedFlag
	case types.FlagAnswered:
		return imap.AnsweredFlag
	case types.FlagDraft:
		return imap.DraftFlag
	default:
		return flag
	}
}

// localFlag translates an IMAP flag to its canonical name, returning ""
// for flags the mirror does not track.
func localFlag(flag string) string {
	switch flag {
	case imap.SeenFlag:
		return types.FlagSeen
	case imap.FlaggedFlag:
		return types.FlagFlagged
	case imap.AnsweredFlag:
		return types.FlagAnswered
	case imap.DraftFlag:
		return types.FlagDraft
	case imap.RecentFlag, imap.DeletedFlag:
		return ""
	default:
		return strings.TrimPrefix(flag, "\\")
	}
}

// specialUseFromAttributes maps SPECIAL-USE attributes (falling back to
// well-known folder names) to a special-use tag.
func specialUseFromAttributes(name string, attributes []string) types.SpecialUse {
	for _, attr := range attributes {
		switch attr {
		case "\\Sent":
			return types.SpecialSent
		case "\\Drafts":
			return types.SpecialDrafts
		case "\\Trash":
			return types.SpecialTrash
		case "\\Junk":
			return types.SpecialSpam
		}
	}

	switch strings.ToUpper(name) {
	case "INBOX":
		return types.SpecialInbox
	case "SENT", "SENT MESSAGES", "SENT ITEMS":
		return types.SpecialSent
	case "DRAFTS":
		return types.SpecialDrafts
	case "TRASH", "DELETED MESSAGES":
		return types.SpecialTrash
	case "JUNK", "SPAM":
		return types.SpecialSpam
	}
	return types.SpecialNone
}

// isSelectable reports whether a mailbox can be selected
func isSelectable(attributes []string) bool {
	for _, attr := range attributes {
		if attr == imap.NoSelectAttr {
			return false
		}
	}
	return true
}
