package types

import "time"

// SyncStatus tracks how far a locally mirrored email has progressed
// relative to the remote store.
type SyncStatus string

const (
	// SyncPending means a local mutation has not been confirmed remotely yet.
	SyncPending SyncStatus = "pending"
	// SyncSynced means local and remote state agree.
	SyncSynced SyncStatus = "synced"
	// SyncMoved means the email was moved locally and holds a temporary UID
	// until the remote move confirms.
	SyncMoved SyncStatus = "moved"
	// SyncDeleted means the email is soft-deleted locally, retained only so
	// the delete can be rolled back if the remote operation fails.
	SyncDeleted SyncStatus = "deleted"
)

// SpecialUse identifies the role of a folder.
type SpecialUse string

const (
	SpecialNone   SpecialUse = "none"
	SpecialInbox  SpecialUse = "inbox"
	SpecialSent   SpecialUse = "sent"
	SpecialDrafts SpecialUse = "drafts"
	SpecialTrash  SpecialUse = "trash"
	SpecialSpam   SpecialUse = "spam"
)

// Account represents a mail account known to the local mirror.
type Account struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Folder represents a mailbox folder. Total and Unseen are derived counts,
// always recomputed from the non-deleted email rows, never incremented.
type Folder struct {
	ID         int64      `json:"id"`
	AccountID  int64      `json:"account_id"`
	Path       string     `json:"path"`
	Delimiter  string     `json:"delimiter"`
	SpecialUse SpecialUse `json:"special_use"`
	Selectable bool       `json:"selectable"`
	Total      int        `json:"total"`
	Unseen     int        `json:"unseen"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
}

// Email represents a locally mirrored message. UID is signed: positive
// values are server-assigned, negative values are temporary placeholders
// minted for local-only moves.
type Email struct {
	ID            int64      `json:"id"`
	AccountID     int64      `json:"account_id"`
	FolderID      int64      `json:"folder_id"`
	UID           int64      `json:"uid"`
	MessageID     string     `json:"message_id"`
	Subject       string     `json:"subject"`
	SenderName    string     `json:"sender_name"`
	SenderEmail   string     `json:"sender_email"`
	Recipients    []string   `json:"recipients"`
	Date          time.Time  `json:"date"`
	Flags         []string   `json:"flags,omitempty"`
	HasAttachment bool       `json:"has_attachment"`
	BodyRef       *int64     `json:"body_ref,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
	CachedAt      time.Time  `json:"cached_at"`
}

// Seen reports whether the Seen flag is set.
func (e *Email) Seen() bool {
	for _, f := range e.Flags {
		if f == FlagSeen {
			return true
		}
	}
	return false
}

// Body holds the cached body content of an email.
type Body struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

// Canonical flag names stored in the mirror. The IMAP adapter translates
// these to and from the wire representation.
const (
	FlagSeen     = "Seen"
	FlagFlagged  = "Flagged"
	FlagAnswered = "Answered"
	FlagDraft    = "Draft"
)

// EmailSummary represents a summary of an email (for search results).
type EmailSummary struct {
	ID          int64     `json:"id"`
	AccountName string    `json:"account_name"`
	FolderPath  string    `json:"folder_path"`
	UID         int64     `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
}
