package compression

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

var allTypes = []Type{
	NoCompression,
	SnappyCompression,
	ZlibCompression,
	LZ4Compression,
	LZ4HCCompression,
	ZstdCompression,
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		[]byte("x"),
		[]byte(strings.Repeat("compaction output block ", 512)),
	}
	for _, typ := range allTypes {
		t.Run(typ.String(), func(t *testing.T) {
			for _, in := range inputs {
				c, err := Compress(typ, in)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				out, err := Decompress(typ, c)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(out, in) {
					t.Fatalf("round trip mismatch for %d bytes", len(in))
				}
			}
		})
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress(Type(0x3), []byte("a")); err == nil {
		t.Error("Compress with BZip2 should fail")
	}
	if Type(0x6).IsSupported() {
		t.Error("Xpress must not be supported")
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range allTypes {
		got, ok := ParseType(typ.String())
		if !ok || got != typ {
			t.Errorf("ParseType(%q) = %v, %v", typ.String(), got, ok)
		}
	}
	if _, ok := ParseType("kBogus"); ok {
		t.Error("unknown name must not parse")
	}
}

func TestZstdConcurrentUse(t *testing.T) {
	data := []byte(strings.Repeat("subcompaction ", 256))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Compress(ZstdCompression, data)
			if err != nil {
				t.Errorf("Compress: %v", err)
				return
			}
			out, err := Decompress(ZstdCompression, c)
			if err != nil || !bytes.Equal(out, data) {
				t.Errorf("Decompress mismatch: %v", err)
			}
		}()
	}
	wg.Wait()
}
