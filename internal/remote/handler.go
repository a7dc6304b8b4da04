package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/config"
	"github.com/any-hub/buildcache/internal/logging"
)

type entryHandler struct {
	manager *cache.Manager
	logger  *logrus.Logger
}

func (h *entryHandler) head(c fiber.Ctx) error {
	handle, err := decodeHandle(c.Params("handle"))
	if err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if h.manager.IsCached(requestContext(c), handle) {
		return c.SendStatus(fiber.StatusOK)
	}
	return c.SendStatus(fiber.StatusNotFound)
}

// get 返回条目清单；命中会刷新本地访问时间并计入统计。
func (h *entryHandler) get(c fiber.Ctx) error {
	handle, err := decodeHandle(c.Params("handle"))
	if err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_handle")
	}
	files, ok := h.manager.GetCachedFiles(requestContext(c), handle)
	if !ok {
		return renderError(c, fiber.StatusNotFound, "entry_not_found")
	}
	return c.JSON(encodeEntry(handle, files))
}

// file 输出条目中第 index 个 blob。使用 Peek，避免同一次远端读取重复刷新访问时间与统计。
func (h *entryHandler) file(c fiber.Ctx) error {
	handle, err := decodeHandle(c.Params("handle"))
	if err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_handle")
	}
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil || index < 0 {
		return renderError(c, fiber.StatusBadRequest, "invalid_index")
	}

	if !h.manager.Enabled() {
		return renderError(c, fiber.StatusServiceUnavailable, "cache_disabled")
	}

	ctx := requestContext(c)
	files, err := h.manager.Local().Peek(ctx, handle)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return renderError(c, fiber.StatusNotFound, "entry_not_found")
		}
		h.logFailure(c, "serve_file", handle, err)
		return renderError(c, fiber.StatusInternalServerError, "storage_error")
	}
	defer cache.ReleaseFiles(files)
	if index >= len(files) {
		return renderError(c, fiber.StatusNotFound, "file_not_found")
	}

	reader, err := files[index].Open(ctx)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return renderError(c, fiber.StatusNotFound, "file_not_found")
		}
		h.logFailure(c, "serve_file", handle, err)
		return renderError(c, fiber.StatusInternalServerError, "storage_error")
	}
	defer reader.Close()

	encoding := config.CompressionNone
	if string(c.Request().Header.Peek(encodingHeader)) == config.CompressionZstd {
		encoding = config.CompressionZstd
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(encodingHeader, encoding)
	c.Status(fiber.StatusOK)

	enc, err := newEncoder(c.Response().BodyWriter(), encoding)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if _, err := io.Copy(enc, reader); err != nil {
		enc.Close()
		h.logFailure(c, "serve_file", handle, err)
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return enc.Close()
}

// put 接收 multipart 上传：names/modes 为 JSON 数组，file 分段与 names 一一对应。
// UseFileCache 关闭时返回 503，上传方据此知道数据没有被保存。
func (h *entryHandler) put(c fiber.Ctx) error {
	handle, err := decodeHandle(c.Params("handle"))
	if err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_handle")
	}
	if !h.manager.Enabled() {
		return renderError(c, fiber.StatusServiceUnavailable, "cache_disabled")
	}
	form, err := c.MultipartForm()
	if err != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_form")
	}

	var names []string
	if raw := form.Value[formNames]; len(raw) != 1 || json.Unmarshal([]byte(raw[0]), &names) != nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_names")
	}
	var modes []uint32
	if raw := form.Value[formModes]; len(raw) == 1 {
		if err := json.Unmarshal([]byte(raw[0]), &modes); err != nil {
			return renderError(c, fiber.StatusBadRequest, "invalid_modes")
		}
	}
	parts := form.File[formFile]
	if len(parts) == 0 || len(parts) != len(names) {
		return renderError(c, fiber.StatusBadRequest, "names_mismatch")
	}

	scratch, release, err := h.manager.Local().ScratchDir("upload-*")
	if err != nil {
		h.logFailure(c, "cache_file", handle, err)
		return renderError(c, fiber.StatusInternalServerError, "storage_error")
	}
	defer release()

	encoding := string(c.Request().Header.Peek(encodingHeader))
	paths := make([]string, len(parts))
	for i, part := range parts {
		mode := fs.FileMode(0o644)
		if i < len(modes) && modes[i] != 0 {
			mode = fs.FileMode(modes[i]).Perm()
		}
		paths[i] = filepath.Join(scratch, strconv.Itoa(i))
		if err := materialize(part, paths[i], encoding, mode); err != nil {
			h.logFailure(c, "cache_file", handle, err)
			return renderError(c, fiber.StatusBadRequest, "invalid_upload")
		}
	}

	if err := h.manager.CacheFile(requestContext(c), handle, names, paths); err != nil {
		if errors.Is(err, cache.ErrInvalidArgument) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "invalid_argument",
				"detail": err.Error(),
			})
		}
		h.logFailure(c, "cache_file", handle, err)
		return renderError(c, fiber.StatusInternalServerError, "storage_error")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"handle": handle,
		"files":  len(names),
	})
}

func (h *entryHandler) purge(c fiber.Ctx) error {
	var payload purgePayload
	if err := json.Unmarshal(c.Body(), &payload); err != nil || payload.Cutoff.IsZero() {
		return renderError(c, fiber.StatusBadRequest, "invalid_cutoff")
	}
	if err := h.manager.Purge(requestContext(c), payload.Cutoff); err != nil {
		h.logFailure(c, "purge", "", err)
		return renderError(c, fiber.StatusInternalServerError, "storage_error")
	}
	return c.JSON(fiber.Map{
		"result":  "ok",
		"storage": h.manager.DebugInfo(),
	})
}

func (h *entryHandler) logFailure(c fiber.Ctx, action, handle string, err error) {
	fields := logging.CacheFields(action, handle, logging.TierLocal)
	fields["request_id"] = RequestID(c)
	h.logger.WithError(err).WithFields(fields).Warn("remote_request_failed")
}

// materialize 将上传分段解码后写入 dest。
func materialize(part *multipart.FileHeader, dest, encoding string, mode fs.FileMode) error {
	src, err := part.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	body, err := newDecoder(src, encoding)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(dest, mode)
	}
	return err
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
