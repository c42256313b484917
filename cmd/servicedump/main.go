// Package main provides the servicedump CLI tool for inspecting the files a
// remote compaction leaves behind.
//
// Usage:
//
//	servicedump --command=<cmd> --file=<path> [options]
//
// Commands:
//
//	input       Decode a serialized compaction service input
//	result      Decode a serialized compaction service result
//	manifest    Print every edit of a MANIFEST and the live files per level
//	sst         Show table properties, optionally scanning entries
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
	"github.com/aalhour/rockyardkv-compaction/internal/version"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

var (
	filePath  = flag.String("file", "", "Path of the file to inspect (required)")
	command   = flag.String("command", "result", "Command: input, result, manifest, sst")
	hexOutput = flag.Bool("hex", false, "Print keys in hex")
	scan      = flag.Bool("scan", false, "Also print the entries of an sst file")
	limit     = flag.Int("limit", 0, "Limit number of scanned entries (0 = unlimited)")
	help      = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}
	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Error: --file flag is required")
		printUsage()
		os.Exit(1)
	}

	fs := vfs.Default()
	var err error
	switch *command {
	case "input", "result":
		var data []byte
		data, err = vfs.ReadFile(fs, *filePath)
		if err == nil {
			if *command == "input" {
				err = dumpInput(os.Stdout, data, *hexOutput)
			} else {
				err = dumpResult(os.Stdout, data, *hexOutput)
			}
		}
	case "manifest":
		err = dumpManifest(os.Stdout, fs, *filePath)
	case "sst":
		err = dumpTable(os.Stdout, fs, *filePath, *scan, *limit, *hexOutput)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("servicedump - remote compaction inspection tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  servicedump --command=<cmd> --file=<path> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  input       Decode a serialized compaction service input")
	fmt.Println("  result      Decode a serialized compaction service result")
	fmt.Println("  manifest    Print every edit of a MANIFEST and the live files")
	fmt.Println("  sst         Show table properties")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func formatKey(key []byte, asHex bool) string {
	if key == nil {
		return "<unbounded>"
	}
	if asHex {
		return hex.EncodeToString(key)
	}
	return fmt.Sprintf("%q", key)
}

func formatInternalKey(key []byte, asHex bool) string {
	parsed, err := dbformat.ParseInternalKey(key)
	if err != nil {
		return formatKey(key, true) + " (unparsable)"
	}
	return fmt.Sprintf("%s @ %d : %s", formatKey(parsed.UserKey, asHex), parsed.Sequence, parsed.Type)
}

func dumpInput(w io.Writer, data []byte, asHex bool) error {
	in, err := compaction.DecodeCompactionServiceInput(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Column family:   %s\n", in.ColumnFamilyName)
	fmt.Fprintf(w, "DB ID:           %s\n", in.DBID)
	fmt.Fprintf(w, "Reason:          %s\n", in.Reason)
	fmt.Fprintf(w, "Start level:     %d\n", in.StartLevel)
	fmt.Fprintf(w, "Output level:    %d\n", in.OutputLevel)
	fmt.Fprintf(w, "Proximal level:  %d\n", in.ProximalLevel)
	fmt.Fprintf(w, "Bottommost:      %t\n", in.Bottommost)
	fmt.Fprintf(w, "Options file:    %d\n", in.OptionsFileNumber)
	fmt.Fprintf(w, "Range:           [%s, %s)\n", formatKey(in.Begin, asHex), formatKey(in.End, asHex))
	fmt.Fprintf(w, "Snapshots:       %v\n", in.Snapshots)
	fmt.Fprintf(w, "Input files (%d):\n", len(in.InputFiles))
	for _, name := range in.InputFiles {
		fmt.Fprintf(w, "  %s\n", name)
	}
	return nil
}

func dumpResult(w io.Writer, data []byte, asHex bool) error {
	r, err := compaction.DecodeCompactionServiceResult(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Status:          %s", r.Status.Code)
	if r.Status.Message != "" {
		fmt.Fprintf(w, " (%s)", r.Status.Message)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Output level:    %d\n", r.OutputLevel)
	fmt.Fprintf(w, "Output path:     %s\n", r.OutputPath)
	fmt.Fprintf(w, "Bytes read:      %d\n", r.BytesRead)
	fmt.Fprintf(w, "Bytes written:   %d\n", r.BytesWritten)
	fmt.Fprintf(w, "Records:         %d in, %d out, %d replaced\n",
		r.Stats.NumInputRecords, r.Stats.NumOutputRecords, r.Stats.NumRecordsReplaced)
	fmt.Fprintf(w, "Output files (%d):\n", len(r.OutputFiles))
	for _, f := range r.OutputFiles {
		dest := "output"
		if f.IsProximalLevelOutput {
			dest = "proximal"
		}
		fmt.Fprintf(w, "  %s: %d bytes, seqno [%d, %d], %s level, temperature %s\n",
			f.FileName, f.FileSize, f.SmallestSeqno, f.LargestSeqno, dest, f.Temperature)
		fmt.Fprintf(w, "    smallest: %s\n", formatInternalKey(f.SmallestInternalKey, asHex))
		fmt.Fprintf(w, "    largest:  %s\n", formatInternalKey(f.LargestInternalKey, asHex))
		if f.FileChecksum != "" {
			fmt.Fprintf(w, "    checksum: %s %s\n", f.FileChecksumFuncName, hex.EncodeToString([]byte(f.FileChecksum)))
		}
	}
	return nil
}

func dumpManifest(w io.Writer, fs vfs.FS, path string) error {
	edits, err := version.ReadManifest(fs, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "MANIFEST: %s\n", path)
	fmt.Fprintf(w, "Edits: %d\n\n", len(edits))
	for i, edit := range edits {
		fmt.Fprintf(w, "#%d %s\n", i, edit.DebugString())
	}

	vs := version.NewVersionSet(version.DefaultVersionSetOptions(""))
	vs.Mutex().Lock()
	err = vs.Recover(edits)
	vs.Mutex().Unlock()
	if err != nil {
		return err
	}
	v := vs.Current()
	fmt.Fprintf(w, "\nLive files: %d\n", v.TotalFiles())
	for level := range version.MaxNumLevels {
		files := v.Files(level)
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(w, "Level %d (%d files, %d bytes):\n", level, len(files), v.NumLevelBytes(level))
		for _, f := range files {
			fmt.Fprintf(w, "  %06d.sst %d bytes, seqno [%d, %d], epoch %d\n",
				f.Number, f.FileSize, f.SmallestSeqno, f.LargestSeqno, f.EpochNumber)
		}
	}
	return nil
}

func dumpTable(w io.Writer, fs vfs.FS, path string, withEntries bool, maxEntries int, asHex bool) error {
	r, err := table.OpenFile(fs, path)
	if err != nil {
		return err
	}
	defer r.Close()

	p := r.Properties()
	fmt.Fprintf(w, "File:            %s (%d bytes)\n", path, r.Size())
	fmt.Fprintf(w, "Entries:         %d (%d deletions, %d range deletions)\n", p.NumEntries, p.NumDeletions, p.NumRangeDeletions)
	fmt.Fprintf(w, "Data blocks:     %d (%d bytes)\n", p.NumDataBlocks, p.DataSize)
	fmt.Fprintf(w, "Index size:      %d\n", p.IndexSize)
	fmt.Fprintf(w, "Raw key/value:   %d/%d\n", p.RawKeySize, p.RawValueSize)
	fmt.Fprintf(w, "Seqno range:     [%d, %d]\n", p.SmallestSeqno, p.LargestSeqno)
	fmt.Fprintf(w, "Compression:     %s\n", p.CompressionName)
	fmt.Fprintf(w, "Column family:   %s\n", p.ColumnFamilyName)
	fmt.Fprintf(w, "DB ID / session: %s / %s\n", p.DBID, p.DBSessionID)
	fmt.Fprintf(w, "Created:         %d (oldest ancestor %d)\n", p.FileCreationTime, p.CreationTime)
	if !withEntries {
		return nil
	}

	fmt.Fprintln(w)
	it := r.NewIterator()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if maxEntries > 0 && count >= maxEntries {
			break
		}
		fmt.Fprintf(w, "%s => %s\n", formatInternalKey(it.Key(), asHex), formatKey(it.Value(), asHex))
		count++
	}
	if err := it.Error(); err != nil {
		return err
	}
	tombstones, err := r.RangeTombstones()
	if err != nil {
		return err
	}
	for _, t := range tombstones {
		fmt.Fprintf(w, "range deletion [%s, %s) @ %d\n", formatKey(t.Start, asHex), formatKey(t.End, asHex), t.Seq)
	}
	return nil
}
