// ids.go implements DB and session identifiers.
package options

import (
	"strings"

	"github.com/google/uuid"
)

// NewDBID returns a new database identity.
func NewDBID() string {
	return uuid.NewString()
}

// NewSessionID returns a 20-character session id, the length RocksDB uses
// for db_session_id.
func NewSessionID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:20])
}
