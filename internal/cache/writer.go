package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	copyBufferSize  = 32 * 1024
	defaultFileMode = fs.FileMode(0o644)
)

// CopyTo 将文件写入 targetDir/OriginalName 并返回最终路径。写入先落到同目录的临时文件，
// 校验大小与摘要后再 rename，失败时不会在目标名称下留下截断文件；Source 打开的流在所有路径上关闭。
func (f CachedFile) CopyTo(ctx context.Context, targetDir string) (string, error) {
	rel, err := cleanName(f.OriginalName)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(targetDir, filepath.FromSlash(rel))

	src, err := f.Open(ctx)
	if err != nil {
		return "", err
	}
	defer src.Close()

	mode := f.Mode.Perm()
	if mode == 0 {
		mode = defaultFileMode
	}
	if err := writeAtomic(ctx, dest, src, mode, f.Size, f.Digest); err != nil {
		return "", fmt.Errorf("copy %s: %w", f.OriginalName, err)
	}
	return dest, nil
}

// writeAtomic 通过临时文件 + rename 写入 dest；expectedSize < 0 或 expected 为空时跳过对应校验。
func writeAtomic(ctx context.Context, dest string, body io.Reader, mode fs.FileMode, expectedSize int64, expected digest.Digest) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".copy-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	var dst io.Writer = tempFile
	var verifier digest.Verifier
	if expected != "" && expected.Validate() == nil {
		verifier = expected.Verifier()
		dst = io.MultiWriter(tempFile, verifier)
	}

	written, err := copyWithContext(ctx, dst, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && expectedSize >= 0 && written != expectedSize {
		err = fmt.Errorf("%w: wrote %d bytes, expected %d", ErrCorrupt, written, expectedSize)
	}
	if err == nil && verifier != nil && !verifier.Verified() {
		err = fmt.Errorf("%w: digest mismatch, expected %s", ErrCorrupt, expected)
	}
	if err == nil {
		err = os.Chmod(tempName, mode)
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, dest); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// cleanName 把逻辑文件名规范为斜杠分隔的相对路径，拒绝绝对路径与越界的 "..".
func cleanName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", invalidArgument("empty file name")
	}
	if filepath.IsAbs(name) {
		return "", invalidArgument("file name %q must be relative", name)
	}
	slashed := filepath.ToSlash(name)
	if path.IsAbs(slashed) {
		return "", invalidArgument("file name %q must be relative", name)
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", invalidArgument("file name %q escapes the entry", name)
	}
	return cleaned, nil
}

func validateHandle(handle string) error {
	if handle == "" {
		return invalidArgument("empty handle")
	}
	return nil
}

// validateNames 校验名称与源路径一一对应且不重复，返回规范化后的名称。
func validateNames(names []string, sources int) ([]string, error) {
	if len(names) == 0 {
		return nil, invalidArgument("no files to cache")
	}
	if len(names) != sources {
		return nil, invalidArgument("%d names for %d sources", len(names), sources)
	}
	cleaned := make([]string, len(names))
	seen := make(map[string]struct{}, len(names))
	for i, name := range names {
		c, err := cleanName(name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			return nil, invalidArgument("duplicate file name %q", name)
		}
		seen[c] = struct{}{}
		cleaned[i] = c
	}
	return cleaned, nil
}
