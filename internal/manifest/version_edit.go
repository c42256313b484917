// version_edit.go implements VersionEdit, a set of file additions and
// deletions applied to a version.
//
// Reference: RocksDB v10.7.5 db/version_edit.h
package manifest

import (
	"fmt"
	"strings"
)

// DeletedFileEntry names a file to remove from a level.
type DeletedFileEntry struct {
	Level      int
	FileNumber uint64
}

// NewFileEntry is a file to add to a level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// VersionEdit is one atomic change to the live file set of a column family.
type VersionEdit struct {
	ColumnFamilyName string

	// NextFileNumber is recorded by the version set when the edit is logged.
	// Zero means unset.
	NextFileNumber uint64

	DeletedFiles []DeletedFileEntry
	NewFiles     []NewFileEntry
}

// NewVersionEdit returns an empty edit for the named column family.
func NewVersionEdit(cf string) *VersionEdit {
	return &VersionEdit{ColumnFamilyName: cf}
}

// DeleteFile records that number leaves level.
func (ve *VersionEdit) DeleteFile(level int, number uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, FileNumber: number})
}

// AddFile records that meta joins level.
func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// Empty reports whether the edit changes nothing.
func (ve *VersionEdit) Empty() bool {
	return len(ve.DeletedFiles) == 0 && len(ve.NewFiles) == 0
}

// DebugString renders the edit for logs.
func (ve *VersionEdit) DebugString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "VersionEdit {cf: %q", ve.ColumnFamilyName)
	if ve.NextFileNumber != 0 {
		fmt.Fprintf(&sb, "\n  NextFileNumber: %d", ve.NextFileNumber)
	}
	for _, d := range ve.DeletedFiles {
		fmt.Fprintf(&sb, "\n  DeleteFile: L%d #%d", d.Level, d.FileNumber)
	}
	for _, n := range ve.NewFiles {
		fmt.Fprintf(&sb, "\n  AddFile: L%d %s", n.Level, n.Meta)
	}
	sb.WriteString("\n}")
	return sb.String()
}
