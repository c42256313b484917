// file.go implements OPTIONS file persistence.
//
// The file is a text file with INI-style sections:
//
//	[Version]
//	  rocksdb_version=10.7.5
//	  options_file_version=1
//
//	[DBOptions]
//	  max_background_compactions=2
//	  ...
//
//	[CFOptions "default"]
//	  ...
//
//	[TableOptions/BlockBasedTable "default"]
//	  ...
//
// A remote worker reads the file named by the options file number in its
// job input so it compacts with the same configuration as the primary.
package options

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/compression"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

const (
	// OptionsFileVersion is the current options file format version.
	OptionsFileVersion = 1

	// OptionsFilePrefix is the prefix for options file names.
	OptionsFilePrefix = "OPTIONS-"
)

var (
	// ErrInvalidOptionsFile is returned for malformed OPTIONS files.
	ErrInvalidOptionsFile = errors.New("options: invalid OPTIONS file")

	// ErrNoOptionsFile is returned when a directory holds no OPTIONS file.
	ErrNoOptionsFile = errors.New("options: no OPTIONS file found")
)

// OptionsFileName returns the path of OPTIONS-number in dir.
func OptionsFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%06d", OptionsFilePrefix, number))
}

// ParsedOptions is the content of an OPTIONS file.
type ParsedOptions struct {
	RocksDBVersion     string
	OptionsFileVersion int
	ColumnFamilyName   string
	Compaction         CompactionOptions
}

// WriteOptionsFile writes opts for column family cf to OPTIONS-fileNum in
// dir and syncs it.
func WriteOptionsFile(fs vfs.FS, dir string, cf string, opts CompactionOptions, fileNum uint64) error {
	file, err := fs.Create(OptionsFileName(dir, fileNum))
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	w := bufio.NewWriter(file)

	fmt.Fprintln(w, "[Version]")
	fmt.Fprintln(w, "  rocksdb_version=10.7.5")
	fmt.Fprintf(w, "  options_file_version=%d\n", OptionsFileVersion)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[DBOptions]")
	fmt.Fprintf(w, "  max_background_compactions=%d\n", opts.MaxBackgroundCompactions)
	fmt.Fprintf(w, "  max_subcompactions=%d\n", opts.MaxSubcompactions)
	fmt.Fprintf(w, "  paranoid_file_checks=%t\n", opts.ParanoidFileChecks)
	fmt.Fprintf(w, "  compaction_verify_record_count=%t\n", opts.VerifyRecordCount)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "[CFOptions %q]\n", cf)
	fmt.Fprintf(w, "  num_levels=%d\n", opts.NumLevels)
	fmt.Fprintf(w, "  compaction_pri=%s\n", opts.CompactionPri)
	fmt.Fprintf(w, "  target_file_size_base=%d\n", opts.TargetFileSize)
	fmt.Fprintf(w, "  compression=%s\n", opts.Compression)
	fmt.Fprintf(w, "  preserve_internal_time_seconds=%d\n", opts.PreserveInternalTimeSeconds)
	fmt.Fprintf(w, "  preclude_last_level_data_seconds=%d\n", opts.PrecludeLastLevelDataSeconds)
	fmt.Fprintf(w, "  last_level_temperature=%s\n", opts.LastLevelTemperature)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "[TableOptions/BlockBasedTable %q]\n", cf)
	fmt.Fprintf(w, "  block_size=%d\n", opts.BlockSize)
	fmt.Fprintf(w, "  checksum=%s\n", checksumName(opts.ChecksumType))
	fmt.Fprintln(w)

	if err := w.Flush(); err != nil {
		return err
	}
	return file.Sync()
}

// ReadOptionsFile reads and parses an OPTIONS file.
func ReadOptionsFile(fs vfs.FS, path string) (*ParsedOptions, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return ParseOptionsFile(strings.NewReader(string(data)))
}

// ParseOptionsFile parses options from r. Keys it does not know are
// ignored; known keys with malformed values are an error.
func ParseOptionsFile(r io.Reader) (*ParsedOptions, error) {
	parsed := &ParsedOptions{Compaction: DefaultCompactionOptions()}
	opts := &parsed.Compaction

	scanner := bufio.NewScanner(r)
	section := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			if name, ok := strings.CutPrefix(section, "CFOptions "); ok {
				parsed.ColumnFamilyName = strings.Trim(name, `"`)
				section = "CFOptions"
			} else if strings.HasPrefix(section, "TableOptions/BlockBasedTable") {
				section = "TableOptions"
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: %q", ErrInvalidOptionsFile, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch section + "." + key {
		case "Version.rocksdb_version":
			parsed.RocksDBVersion = value
		case "Version.options_file_version":
			parsed.OptionsFileVersion, err = strconv.Atoi(value)
		case "DBOptions.max_background_compactions":
			opts.MaxBackgroundCompactions, err = strconv.Atoi(value)
		case "DBOptions.max_subcompactions":
			opts.MaxSubcompactions, err = strconv.Atoi(value)
		case "DBOptions.paranoid_file_checks":
			opts.ParanoidFileChecks, err = strconv.ParseBool(value)
		case "DBOptions.compaction_verify_record_count":
			opts.VerifyRecordCount, err = strconv.ParseBool(value)
		case "CFOptions.num_levels":
			opts.NumLevels, err = strconv.Atoi(value)
		case "CFOptions.compaction_pri":
			if opts.CompactionPri, ok = ParseCompactionPri(value); !ok {
				err = errors.New("unknown compaction_pri")
			}
		case "CFOptions.target_file_size_base":
			opts.TargetFileSize, err = strconv.ParseUint(value, 10, 64)
		case "CFOptions.compression":
			if opts.Compression, ok = compression.ParseType(value); !ok {
				err = errors.New("unknown compression")
			}
		case "CFOptions.preserve_internal_time_seconds":
			opts.PreserveInternalTimeSeconds, err = strconv.ParseUint(value, 10, 64)
		case "CFOptions.preclude_last_level_data_seconds":
			opts.PrecludeLastLevelDataSeconds, err = strconv.ParseUint(value, 10, 64)
		case "CFOptions.last_level_temperature":
			if opts.LastLevelTemperature, ok = manifest.ParseTemperature(value); !ok {
				err = errors.New("unknown temperature")
			}
		case "TableOptions.block_size":
			opts.BlockSize, err = strconv.Atoi(value)
		case "TableOptions.checksum":
			if opts.ChecksumType, ok = parseChecksumName(value); !ok {
				err = errors.New("unknown checksum")
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %s=%s: %v", ErrInvalidOptionsFile, lineNo, key, value, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if parsed.RocksDBVersion == "" {
		return nil, fmt.Errorf("%w: missing [Version] section", ErrInvalidOptionsFile)
	}
	return parsed, nil
}

func checksumName(t checksum.Type) string {
	switch t {
	case checksum.TypeNoChecksum:
		return "kNoChecksum"
	case checksum.TypeXXH3:
		return "kXXH3"
	default:
		return "kCRC32c"
	}
}

func parseChecksumName(s string) (checksum.Type, bool) {
	switch s {
	case "kNoChecksum":
		return checksum.TypeNoChecksum, true
	case "kCRC32c":
		return checksum.TypeCRC32C, true
	case "kXXH3":
		return checksum.TypeXXH3, true
	}
	return checksum.TypeCRC32C, false
}

// LatestOptionsFile returns the path and number of the highest-numbered
// OPTIONS file in dir.
func LatestOptionsFile(fs vfs.FS, dir string) (string, uint64, error) {
	entries, err := fs.ListDir(dir)
	if err != nil {
		return "", 0, err
	}
	var latest uint64
	found := false
	for _, entry := range entries {
		numStr, ok := strings.CutPrefix(entry, OptionsFilePrefix)
		if !ok {
			continue
		}
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || num > latest {
			latest, found = num, true
		}
	}
	if !found {
		return "", 0, ErrNoOptionsFile
	}
	return OptionsFileName(dir, latest), latest, nil
}
