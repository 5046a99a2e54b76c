package remote

import (
	"github.com/brandon/mailsync/pkg/types"
)

// Message is an email fetched from the remote store together with its
// decoded body content.
type Message struct {
	Email types.Email
	Body  types.Body
}

// FolderInfo describes a remote folder as advertised by the server.
type FolderInfo struct {
	Path       string
	Delimiter  string
	SpecialUse types.SpecialUse
	Selectable bool
}

// Session is one live connection to an account's remote mailbox store.
// The engine treats the wire protocol as an injected capability; sessions
// are created by the pool's dialer and owned by the pool.
type Session interface {
	// Ping verifies the connection is still alive
	Ping() error

	// Logout terminates the session
	Logout() error

	// ListFolders lists the folders on the remote store
	ListFolders() ([]FolderInfo, error)

	// SetFlags adds or removes flags on the given messages
	SetFlags(folder string, uids []int64, flags []string, add bool) error

	// Delete removes messages; a permanent delete also expunges them
	Delete(folder string, uids []int64, permanent bool) error

	// Move relocates messages and returns the mapping from old UID to the
	// UID the server assigned in the target folder
	Move(fromFolder, toFolder string, uids []int64) (map[int64]int64, error)

	// FetchSince fetches messages with UIDs above sinceUID. With sinceUID
	// zero it returns the most recent page of up to limit messages.
	FetchSince(folder string, sinceUID int64, limit int) ([]*Message, error)
}
