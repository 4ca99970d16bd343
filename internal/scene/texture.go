package scene

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gg"
	_ "golang.org/x/image/webp"
)

// DefaultMaxTextureBytes bounds downloaded and uploaded images.
const DefaultMaxTextureBytes = 16 << 20

// ErrUnsupportedFormat is returned for images that are not PNG, JPEG, GIF or WebP.
var ErrUnsupportedFormat = errors.New("scene: unsupported image format")

// SourceKind identifies where a texture comes from.
type SourceKind int

const (
	SourceFile SourceKind = iota + 1
	SourceURL
	SourceBytes
)

// Source describes an overlay image.
type Source struct {
	Kind SourceKind
	Ref  string // file path, URL, or a display name for bytes
	Data []byte
}

// FileSource returns a source reading path from disk.
func FileSource(path string) Source {
	return Source{Kind: SourceFile, Ref: path}
}

// URLSource returns a source fetching url over HTTP(S).
func URLSource(url string) Source {
	return Source{Kind: SourceURL, Ref: url}
}

// BytesSource returns a source over in-memory image data, such as an upload.
func BytesSource(name string, data []byte) Source {
	return Source{Kind: SourceBytes, Ref: name, Data: data}
}

// ParseSource treats http(s) references as URLs and anything else as a path.
func ParseSource(ref string) Source {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return URLSource(ref)
	}
	return FileSource(ref)
}

func (s Source) String() string {
	switch s.Kind {
	case SourceFile:
		return "file:" + s.Ref
	case SourceURL:
		return s.Ref
	case SourceBytes:
		return fmt.Sprintf("bytes:%s(%d)", s.Ref, len(s.Data))
	default:
		return "unknown"
	}
}

// TextureLoader produces decoded images for overlay textures.
type TextureLoader interface {
	Load(ctx context.Context, src Source) (*gg.ImageBuf, error)
}

// Loader loads textures from disk, HTTP or memory.
type Loader struct {
	client   *http.Client
	maxBytes int64
}

// NewLoader creates a Loader. A nil client uses a client with a 15s timeout.
func NewLoader(client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Loader{client: client, maxBytes: DefaultMaxTextureBytes}
}

// Load reads and decodes src.
func (l *Loader) Load(ctx context.Context, src Source) (*gg.ImageBuf, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	var err error

	switch src.Kind {
	case SourceFile:
		data, err = l.readFile(src.Ref)
	case SourceURL:
		data, err = l.fetch(ctx, src.Ref)
	case SourceBytes:
		data = src.Data
	default:
		return nil, fmt.Errorf("scene: unknown source kind %d", src.Kind)
	}
	if err != nil {
		return nil, err
	}

	img, _, err := DecodeTexture(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src, err)
	}
	return img, nil
}

func (l *Loader) readFile(path string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open texture: %w", err)
	}
	defer f.Close()

	return readLimited(f, l.maxBytes)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch texture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch texture: unexpected status %s", resp.Status)
	}

	return readLimited(resp.Body, l.maxBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read texture: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("texture larger than %d bytes", limit)
	}
	return data, nil
}

// DecodeTexture decodes a PNG, JPEG, GIF or WebP image and returns it with
// its format name.
func DecodeTexture(r io.Reader) (*gg.ImageBuf, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", err
	}
	if img.Bounds().Empty() {
		return nil, format, errors.New("scene: empty image")
	}
	return gg.ImageBufFromImage(img), format, nil
}

// IsImageFile reports whether name has an overlay image extension.
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}
