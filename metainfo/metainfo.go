package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
)

// ErrParse wraps every malformed-metadata error returned by Parse.
var ErrParse = errors.New("malformed torrent metadata")

// FileEntry is one file of the torrent, located by its byte offset
// within the concatenated piece space.
type FileEntry struct {
	Path   string
	Length int
	Offset int
}

// Info is the immutable in-memory form of a .torrent file.
type Info struct {
	Name         string
	Announce     string
	AnnounceList []string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Files        []FileEntry
	TotalLength  int
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     bool              `bencode:"private,omitempty"`
	Source      string            `bencode:"source,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length   int      `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8,omitempty"`
}

// Load reads and parses a .torrent file.
func Load(path string) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a bencoded torrent description. The info-hash is computed
// over the raw byte span of the info value inside the original encoding,
// never over a re-marshalled reconstruction, since trackers and peers
// identify the torrent by that exact hash.
func Parse(raw []byte) (*Info, error) {
	bto := bencodeTorrent{}
	err := bencode.Unmarshal(bytes.NewReader(raw), &bto)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	span, err := infoSpan(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	info, err := bto.toInfo()
	if err != nil {
		return nil, err
	}
	info.InfoHash = sha1.Sum(span)
	return info, nil
}

func (binfo *bencodeInfo) pieceHashes() ([][20]byte, error) {
	const hashLength = 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of %d", ErrParse, len(buf), hashLength)
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

func (binfo *bencodeInfo) fileEntries(name string) []FileEntry {
	if binfo.Files == nil {
		return []FileEntry{{Path: name, Length: binfo.Length, Offset: 0}}
	}

	entries := make([]FileEntry, len(binfo.Files))
	offset := 0
	for i, f := range binfo.Files {
		parts := f.Path
		if len(f.PathUTF8) > 0 {
			parts = f.PathUTF8
		}
		entries[i] = FileEntry{
			Path:   filepath.Join(append([]string{name}, parts...)...),
			Length: f.Length,
			Offset: offset,
		}
		offset += f.Length
	}
	return entries
}

func flattenAnnounceList(announceList [][]string) []string {
	var flat []string
	for _, tier := range announceList {
		flat = append(flat, tier...)
	}
	return flat
}

func (bto *bencodeTorrent) toInfo() (*Info, error) {
	if bto.Info.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrParse)
	}
	if bto.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid piece length", ErrParse)
	}

	pieceHashes, err := bto.Info.pieceHashes()
	if err != nil {
		return nil, err
	}

	files := bto.Info.fileEntries(bto.Info.Name)
	total := 0
	for _, f := range files {
		total += f.Length
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: no file lengths declared", ErrParse)
	}

	wantPieces := (total + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if len(pieceHashes) != wantPieces {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes with piece length %d (want %d)",
			ErrParse, len(pieceHashes), total, bto.Info.PieceLength, wantPieces)
	}

	return &Info{
		Name:         bto.Info.Name,
		Announce:     bto.Announce,
		AnnounceList: flattenAnnounceList(bto.AnnounceList),
		PieceLength:  bto.Info.PieceLength,
		PieceHashes:  pieceHashes,
		Files:        files,
		TotalLength:  total,
	}, nil
}

// Trackers returns the flattened announce list, falling back to the
// single announce URL.
func (info *Info) Trackers() []string {
	if len(info.AnnounceList) > 0 {
		return info.AnnounceList
	}
	if info.Announce != "" {
		return []string{info.Announce}
	}
	return nil
}

// NumPieces is the number of pieces in the torrent.
func (info *Info) NumPieces() int {
	return len(info.PieceHashes)
}

// PieceBounds returns the byte range [begin, end) of a piece within the
// concatenated piece space.
func (info *Info) PieceBounds(index int) (int, int) {
	begin := index * info.PieceLength
	end := begin + info.PieceLength
	if end > info.TotalLength {
		end = info.TotalLength
	}
	return begin, end
}

// PieceSize is the byte length of a piece; only the last piece may be
// shorter than PieceLength.
func (info *Info) PieceSize(index int) int {
	begin, end := info.PieceBounds(index)
	return end - begin
}
