package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"marlin/metainfo"
)

// layout builds an Info whose piece space covers the given file
// lengths, with real hashes so nothing depends on them.
func layout(t *testing.T, pieceLength int, fileLengths ...int) *metainfo.Info {
	t.Helper()
	total := 0
	files := make([]metainfo.FileEntry, len(fileLengths))
	for i, length := range fileLengths {
		files[i] = metainfo.FileEntry{
			Path:   filepath.Join("data", "file"+string(rune('a'+i))),
			Length: length,
			Offset: total,
		}
		total += length
	}
	numPieces := (total + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, numPieces)
	for i := range hashes {
		hashes[i] = sha1.Sum([]byte{byte(i)})
	}
	return &metainfo.Info{
		Name:        "data",
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       files,
		TotalLength: total,
	}
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func TestSingleFileRoundTrip(t *testing.T) {
	info := layout(t, 8, 24) // 3 pieces in one file
	fs, err := NewFileStorage(info, t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer fs.Close()

	// Write pieces out of order.
	for _, index := range []int{2, 0, 1} {
		data := pattern(8, byte(index*10))
		if err := fs.WritePiece(index, 0, data); err != nil {
			t.Fatalf("WritePiece(%d): %v", index, err)
		}
	}
	for index := 0; index < 3; index++ {
		got, err := fs.ReadPiece(index)
		if err != nil {
			t.Fatalf("ReadPiece(%d): %v", index, err)
		}
		if !bytes.Equal(got, pattern(8, byte(index*10))) {
			t.Errorf("piece %d read back wrong", index)
		}
	}
}

func TestPieceSpansFileBoundary(t *testing.T) {
	// 10-byte pieces over files of 4, 7 and 9 bytes: piece 0 covers
	// all of file a, all of file b minus one byte; piece 1 covers the
	// rest.
	info := layout(t, 10, 4, 7, 9)
	dir := t.TempDir()
	fs, err := NewFileStorage(info, dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer fs.Close()

	all := pattern(20, 1)
	if err := fs.WritePiece(0, 0, all[:10]); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}
	if err := fs.WritePiece(1, 0, all[10:]); err != nil {
		t.Fatalf("WritePiece(1): %v", err)
	}

	// Each backing file holds its slice of the concatenated space.
	offsets := []int{0, 4, 11}
	for i, entry := range info.Files {
		raw, err := os.ReadFile(filepath.Join(dir, entry.Path))
		if err != nil {
			t.Fatalf("reading %s: %v", entry.Path, err)
		}
		if !bytes.Equal(raw, all[offsets[i]:offsets[i]+entry.Length]) {
			t.Errorf("%s holds wrong bytes", entry.Path)
		}
	}

	for index := 0; index < 2; index++ {
		got, err := fs.ReadPiece(index)
		if err != nil {
			t.Fatalf("ReadPiece(%d): %v", index, err)
		}
		if !bytes.Equal(got, all[index*10:(index+1)*10]) {
			t.Errorf("piece %d read back wrong", index)
		}
	}
}

func TestPartialPieceWrite(t *testing.T) {
	info := layout(t, 8, 16)
	fs, err := NewFileStorage(info, t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer fs.Close()

	if err := fs.WritePiece(1, 4, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	got, err := fs.ReadPiece(1)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(got[4:], []byte{9, 9, 9, 9}) {
		t.Errorf("offset write landed wrong: %v", got)
	}
}

func TestShortFinalPiece(t *testing.T) {
	info := layout(t, 8, 11) // final piece is 3 bytes
	fs, err := NewFileStorage(info, t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer fs.Close()

	if err := fs.WritePiece(1, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	got, err := fs.ReadPiece(1)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("short piece read back %v", got)
	}
}

func TestWriteOverrunRejected(t *testing.T) {
	info := layout(t, 8, 11)
	fs, err := NewFileStorage(info, t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer fs.Close()

	if err := fs.WritePiece(1, 0, pattern(8, 0)); err == nil {
		t.Fatal("write past the final short piece not rejected")
	}
}

func TestFilesCreatedAtFullSize(t *testing.T) {
	info := layout(t, 8, 4, 12)
	dir := t.TempDir()
	fs, err := NewFileStorage(info, dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer fs.Close()

	for _, entry := range info.Files {
		fi, err := os.Stat(filepath.Join(dir, entry.Path))
		if err != nil {
			t.Fatalf("stat %s: %v", entry.Path, err)
		}
		if fi.Size() != int64(entry.Length) {
			t.Errorf("%s sized %d, want %d", entry.Path, fi.Size(), entry.Length)
		}
	}
}
