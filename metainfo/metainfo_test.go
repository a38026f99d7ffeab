package metainfo

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// singleFileTorrent builds a minimal valid single-file torrent:
// 2 pieces of 32768 bytes each, 65536 bytes total.
func singleFileTorrent() []byte {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20)
	return []byte("d8:announce23:http://tracker.example/4:infod" +
		"6:lengthi65536e" +
		"4:name8:test.iso" +
		"12:piece lengthi32768e" +
		"6:pieces40:" + pieces +
		"ee")
}

// multiFileTorrent declares two 16384-byte files over 2 pieces.
func multiFileTorrent() []byte {
	pieces := strings.Repeat("x", 20) + strings.Repeat("y", 20)
	return []byte("d8:announce23:http://tracker.example/4:infod" +
		"5:filesl" +
		"d6:lengthi16384e4:pathl5:a.binee" +
		"d6:lengthi16384e4:pathl5:b.binee" +
		"e" +
		"4:name4:test" +
		"12:piece lengthi16384e" +
		"6:pieces40:" + pieces +
		"ee")
}

func TestParseSingleFile(t *testing.T) {
	info, err := Parse(singleFileTorrent())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if info.Name != "test.iso" {
		t.Errorf("expected name test.iso, got %q", info.Name)
	}
	if info.Announce != "http://tracker.example/" {
		t.Errorf("unexpected announce %q", info.Announce)
	}
	if info.PieceLength != 32768 {
		t.Errorf("expected piece length 32768, got %d", info.PieceLength)
	}
	if info.NumPieces() != 2 {
		t.Fatalf("expected 2 pieces, got %d", info.NumPieces())
	}
	if info.TotalLength != 65536 {
		t.Errorf("expected total length 65536, got %d", info.TotalLength)
	}

	// Re-deriving total length from the file list matches the
	// declared total.
	sum := 0
	for _, f := range info.Files {
		sum += f.Length
	}
	if sum != info.TotalLength {
		t.Errorf("file lengths sum to %d, total is %d", sum, info.TotalLength)
	}
}

func TestParseMultiFile(t *testing.T) {
	info, err := Parse(multiFileTorrent())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(info.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(info.Files))
	}
	if info.Files[0].Offset != 0 || info.Files[1].Offset != 16384 {
		t.Errorf("unexpected offsets %d, %d", info.Files[0].Offset, info.Files[1].Offset)
	}
	if info.TotalLength != 32768 {
		t.Errorf("expected total length 32768, got %d", info.TotalLength)
	}
}

func TestInfoHashStable(t *testing.T) {
	first, err := Parse(singleFileTorrent())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	second, err := Parse(singleFileTorrent())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if first.InfoHash != second.InfoHash {
		t.Errorf("info hash not stable across parses: %x vs %x", first.InfoHash, second.InfoHash)
	}
}

func TestInfoHashTracksInfoBytes(t *testing.T) {
	original := singleFileTorrent()
	mutated := bytes.Replace(original, []byte("test.iso"), []byte("test.img"), 1)

	first, err := Parse(original)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	second, err := Parse(mutated)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if first.InfoHash == second.InfoHash {
		t.Error("info hash did not change with the info dictionary bytes")
	}
}

func TestInfoSpanIsExactSubslice(t *testing.T) {
	raw := singleFileTorrent()
	span, err := infoSpan(raw)
	if err != nil {
		t.Fatalf("infoSpan failed: %v", err)
	}
	if !bytes.Contains(raw, span) {
		t.Fatal("span is not a subslice of the input")
	}
	if span[0] != 'd' || span[len(span)-1] != 'e' {
		t.Errorf("span is not a dictionary: %q...%q", span[0], span[len(span)-1])
	}
	want := "4:name8:test.iso"
	if !bytes.Contains(span, []byte(want)) {
		t.Errorf("span is missing %q", want)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not bencode", "this is not bencode"},
		{"not a dictionary", "li1ee"},
		{"missing name", "d4:infod6:lengthi32e12:piece lengthi16e6:pieces40:" + strings.Repeat("a", 40) + "ee"},
		{"pieces not multiple of 20", "d4:infod6:lengthi32e4:name1:a12:piece lengthi16e6:pieces21:" + strings.Repeat("a", 21) + "ee"},
		{"piece count mismatch", "d4:infod6:lengthi32e4:name1:a12:piece lengthi16e6:pieces20:" + strings.Repeat("a", 20) + "ee"},
		{"missing piece length", "d4:infod6:lengthi32e4:name1:a6:pieces20:" + strings.Repeat("a", 20) + "ee"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, ErrParse) {
				t.Errorf("expected ErrParse, got %v", err)
			}
		})
	}
}

func TestPieceBounds(t *testing.T) {
	info := &Info{PieceLength: 10, TotalLength: 25}

	begin, end := info.PieceBounds(0)
	if begin != 0 || end != 10 {
		t.Errorf("piece 0 bounds [%d, %d)", begin, end)
	}
	if size := info.PieceSize(2); size != 5 {
		t.Errorf("expected last piece size 5, got %d", size)
	}
}
