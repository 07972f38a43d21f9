package torrent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

const (
	// BlockSize is the request granularity inside a piece.
	BlockSize = 16384 // 2^14
	HashSize  = sha1.Size
	// MaxPieceLength bounds the per-piece buffer a manifest can demand.
	MaxPieceLength = 64 << 20
)

var (
	PEER_ID [20]byte
)

func init() {
	copy(PEER_ID[:8], []byte("-TS0100-"))
	if _, err := rand.Read(PEER_ID[8:]); err != nil {
		panic(err)
	}
}

// FileEntry locates one file of the torrent inside the concatenated
// torrent byte space.
type FileEntry struct {
	Path   string
	Offset int64
	Length int64
}

// Manifest is the immutable description of a torrent's content. It is
// built once metadata is resolved and never mutated afterwards.
type Manifest struct {
	InfoHash    [20]byte
	Name        string
	Length      int64
	PieceLength int64
	Hashes      [][HashSize]byte
	Files       []FileEntry
	Announce    [][]string
	InfoBytes   []byte
}

type infoDict struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Length      int64      `bencode:"length"`
	Private     int64      `bencode:"private"`
	Files       []fileDict `bencode:"files"`
}

type fileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// NewManifest parses a bencoded torrent descriptor.
func NewManifest(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	metaInfo, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed torrent file: %v", err)
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: top level is not a dictionary")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: missing info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, err
	}
	m, err := ParseInfo(infoBencode.Bytes())
	if err != nil {
		return nil, err
	}

	if list, ok := metaInfoMap["announce-list"].([]interface{}); ok {
		for _, tier := range list {
			urls := stringList(tier)
			if len(urls) > 0 {
				m.Announce = append(m.Announce, urls)
			}
		}
	}
	if len(m.Announce) == 0 {
		if announce, ok := metaInfoMap["announce"].(string); ok && announce != "" {
			m.Announce = [][]string{{announce}}
		}
	}
	return m, nil
}

// ParseInfo builds a manifest from a raw bencoded info dictionary. The info
// hash is the SHA-1 of exactly these bytes.
func ParseInfo(infoBytes []byte) (*Manifest, error) {
	info := infoDict{}
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &info); err != nil {
		return nil, fmt.Errorf("malformed info dictionary: %v", err)
	}
	if !validComponent(info.Name) {
		return nil, fmt.Errorf("malformed info dictionary: bad name %q", info.Name)
	}
	if info.PieceLength <= 0 || info.PieceLength > MaxPieceLength {
		return nil, fmt.Errorf("malformed info dictionary: piece length %d", info.PieceLength)
	}
	if len(info.Pieces) == 0 || len(info.Pieces)%HashSize != 0 {
		return nil, fmt.Errorf("malformed info dictionary: pieces length %d", len(info.Pieces))
	}

	m := &Manifest{
		InfoHash:    sha1.Sum(infoBytes),
		Name:        info.Name,
		PieceLength: info.PieceLength,
		InfoBytes:   append([]byte(nil), infoBytes...),
	}

	if len(info.Files) > 0 {
		// Multiple File Mode
		for _, f := range info.Files {
			if f.Length < 0 || len(f.Path) == 0 {
				return nil, fmt.Errorf("malformed info dictionary: bad file entry")
			}
			for _, component := range f.Path {
				if !validComponent(component) {
					return nil, fmt.Errorf("malformed info dictionary: bad path component %q", component)
				}
			}
			m.Files = append(m.Files, FileEntry{
				Path:   path.Join(append([]string{info.Name}, f.Path...)...),
				Offset: m.Length,
				Length: f.Length,
			})
			m.Length += f.Length
		}
	} else {
		// Single File Mode
		if info.Length <= 0 {
			return nil, fmt.Errorf("malformed info dictionary: length %d", info.Length)
		}
		m.Files = []FileEntry{{Path: info.Name, Length: info.Length}}
		m.Length = info.Length
	}

	numPieces := len(info.Pieces) / HashSize
	if want := (m.Length + m.PieceLength - 1) / m.PieceLength; int64(numPieces) != want {
		return nil, fmt.Errorf("malformed info dictionary: %d piece hashes for %d pieces", numPieces, want)
	}
	m.Hashes = make([][HashSize]byte, numPieces)
	for i := range m.Hashes {
		copy(m.Hashes[i][:], info.Pieces[i*HashSize:(i+1)*HashSize])
	}
	return m, nil
}

// validComponent reports whether name is usable as one path element.
func validComponent(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\")
}

func stringList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manifest) InfoHashHex() string {
	return hex.EncodeToString(m.InfoHash[:])
}

func (m *Manifest) NumPieces() int {
	return len(m.Hashes)
}

// PieceSize is the byte length of piece i; only the last piece may be shorter.
func (m *Manifest) PieceSize(i int) int64 {
	if i == len(m.Hashes)-1 {
		return m.Length - int64(i)*m.PieceLength
	}
	return m.PieceLength
}

func (m *Manifest) PieceOffset(i int) int64 {
	return int64(i) * m.PieceLength
}

// PieceAt returns the index of the piece holding the torrent byte offset.
func (m *Manifest) PieceAt(offset int64) int {
	return int(offset / m.PieceLength)
}

func (m *Manifest) NumBlocks(i int) int {
	return int((m.PieceSize(i) + BlockSize - 1) / BlockSize)
}

func (m *Manifest) BlockLength(i, block int) int {
	remaining := m.PieceSize(i) - int64(block)*BlockSize
	if remaining > BlockSize {
		return BlockSize
	}
	return int(remaining)
}

// TotalBlocks counts every block of every piece.
func (m *Manifest) TotalBlocks() int {
	n := 0
	for i := range m.Hashes {
		n += m.NumBlocks(i)
	}
	return n
}

// FileData is one file handed to BuildInfo.
type FileData struct {
	Path []string
	Data []byte
}

// BuildInfo creates a bencoded info dictionary for the given content. A
// single entry with an empty path produces a single file torrent.
func BuildInfo(name string, pieceLength int64, files []FileData) ([]byte, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece length must be positive")
	}
	content := &bytes.Buffer{}
	for _, f := range files {
		content.Write(f.Data)
	}
	data := content.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("no content")
	}

	pieces := &bytes.Buffer{}
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[off:end])
		pieces.Write(sum[:])
	}

	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       pieces.String(),
	}
	if len(files) == 1 && len(files[0].Path) == 0 {
		info["length"] = int64(len(data))
	} else {
		list := make([]interface{}, 0, len(files))
		for _, f := range files {
			p := make([]interface{}, 0, len(f.Path))
			for _, component := range f.Path {
				p = append(p, component)
			}
			list = append(list, map[string]interface{}{
				"length": int64(len(f.Data)),
				"path":   p,
			})
		}
		info["files"] = list
	}

	b := &bytes.Buffer{}
	if err := bencode.Marshal(b, info); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// WriteTorrent writes a torrent descriptor wrapping infoBytes.
func WriteTorrent(w io.Writer, announce []string, infoBytes []byte) error {
	info, err := bencode.Decode(bytes.NewReader(infoBytes))
	if err != nil {
		return err
	}
	meta := map[string]interface{}{
		"info": info,
	}
	if len(announce) > 0 {
		meta["announce"] = announce[0]
		tier := make([]interface{}, 0, len(announce))
		for _, a := range announce {
			tier = append(tier, a)
		}
		meta["announce-list"] = []interface{}{tier}
	}
	return bencode.Marshal(w, meta)
}
