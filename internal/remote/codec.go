package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/config"
)

const (
	encodingHeader  = "X-Buildcache-Encoding"
	requestIDHeader = "X-Request-ID"

	formNames = "names"
	formModes = "modes"
	formFile  = "file"
)

type entryPayload struct {
	Handle string        `json:"handle"`
	Files  []filePayload `json:"files"`
}

type filePayload struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Mode   uint32 `json:"mode"`
	Digest string `json:"digest"`
}

type purgePayload struct {
	Cutoff time.Time `json:"cutoff"`
}

func encodeEntry(handle string, files []cache.CachedFile) entryPayload {
	payload := entryPayload{Handle: handle, Files: make([]filePayload, len(files))}
	for i, f := range files {
		payload.Files[i] = filePayload{
			Name:   f.OriginalName,
			Size:   f.Size,
			Mode:   uint32(f.Mode.Perm()),
			Digest: f.Digest.String(),
		}
	}
	return payload
}

func encodeHandle(handle string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(handle))
}

func decodeHandle(raw string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode handle: %w", err)
	}
	if len(decoded) == 0 {
		return "", fmt.Errorf("decode handle: empty")
	}
	return string(decoded), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newEncoder 按 encoding 包装 w；Close 只刷新编码器，不关闭 w。
func newEncoder(w io.Writer, encoding string) (io.WriteCloser, error) {
	if encoding == config.CompressionZstd {
		return zstd.NewWriter(w)
	}
	return nopWriteCloser{w}, nil
}

// newDecoder 按 encoding 包装 r；Close 只释放解码器，不关闭 r。
func newDecoder(r io.Reader, encoding string) (io.ReadCloser, error) {
	if encoding == config.CompressionZstd {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return io.NopCloser(r), nil
}

// writeUpload 以 multipart 形式写出 names/modes 字段与按顺序排列的 file 分段。
func writeUpload(mw *multipart.Writer, names []string, bodies []io.Reader, encoding string) error {
	rawNames, err := json.Marshal(names)
	if err != nil {
		return err
	}
	if err := mw.WriteField(formNames, string(rawNames)); err != nil {
		return err
	}
	rawModes, err := json.Marshal(bodyModes(bodies))
	if err != nil {
		return err
	}
	if err := mw.WriteField(formModes, string(rawModes)); err != nil {
		return err
	}

	for i, body := range bodies {
		part, err := mw.CreateFormFile(formFile, strconv.Itoa(i))
		if err != nil {
			return err
		}
		enc, err := newEncoder(part, encoding)
		if err != nil {
			return err
		}
		if _, err := io.Copy(enc, body); err != nil {
			enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return mw.Close()
}

// bodyModes 取出可 Stat 的流（通常是 *os.File）的权限位，其余按 0644 处理。
func bodyModes(bodies []io.Reader) []uint32 {
	modes := make([]uint32, len(bodies))
	for i, body := range bodies {
		modes[i] = 0o644
		if st, ok := body.(interface{ Stat() (fs.FileInfo, error) }); ok {
			if info, err := st.Stat(); err == nil {
				modes[i] = uint32(info.Mode().Perm())
			}
		}
	}
	return modes
}
