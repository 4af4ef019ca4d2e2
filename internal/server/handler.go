package server

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/coordinator"
	"github.com/sym-hub/sym-hub/internal/ledger"
	"github.com/sym-hub/sym-hub/internal/logging"
	"github.com/sym-hub/sym-hub/internal/symbol"
)

// Handler 把 HTTP 请求翻译成协调器调用：命中回流、未命中统一 404、
// 非法 Key 映射为 400。
type Handler struct {
	coord  *coordinator.Coordinator
	ledger ledger.Ledger
	logger *logrus.Logger
}

// NewHandler constructs the symbol request handler.
func NewHandler(coord *coordinator.Coordinator, l ledger.Ledger, logger *logrus.Logger) *Handler {
	return &Handler{
		coord:  coord,
		ledger: l,
		logger: logger,
	}
}

// GetSymbol 处理 GET /{name}/{identifier}/{filename} 及其历史别名。
func (h *Handler) GetSymbol(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	key := symbol.Key{
		Name:       c.Params("name"),
		Identifier: c.Params("identifier"),
		Filename:   c.Params("filename"),
	}
	acceptsCompressed := strings.Contains(strings.ToLower(c.Get(fiber.HeaderAcceptEncoding)), "gzip")

	hit, scheduled, err := h.coord.Resolve(key, acceptsCompressed)
	if err != nil {
		var verr symbol.ValidationError
		if errors.As(err, &verr) {
			h.logRequest(key, requestID, fiber.StatusBadRequest, false, started, err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_symbol_key"})
		}
		h.logRequest(key, requestID, fiber.StatusInternalServerError, false, started, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	if hit == nil {
		// 未命中、仍在下载、已确认不存在——对客户端是同一个信号
		fields := logging.SymbolFields(key.Name, key.Identifier, key.Filename)
		fields["action"] = "symbol_request"
		fields["status"] = fiber.StatusNotFound
		fields["scheduled"] = scheduled
		if requestID != "" {
			fields["request_id"] = requestID
		}
		h.logger.WithFields(fields).Info("symbol_request_miss")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "symbol_not_found"})
	}

	return h.serveHit(c, key, hit, requestID, started)
}

func (h *Handler) serveHit(c fiber.Ctx, key symbol.Key, hit *coordinator.Hit, requestID string, started time.Time) error {
	c.Set(fiber.HeaderContentType, "application/octet-stream")
	if hit.Compressed {
		c.Set(fiber.HeaderContentEncoding, "gzip")
		c.Response().Header.SetContentLength(int(hit.SizeBytes))
	}
	c.Status(fiber.StatusOK)

	_, err := io.Copy(c.Response().BodyWriter(), hit.Reader)
	hit.Reader.Close()
	h.logRequest(key, requestID, fiber.StatusOK, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "read artifact failed: "+err.Error())
	}
	return nil
}

// symbolRow 是 /symbols 列表的序列化形态。
type symbolRow struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Filename   string `json:"filename"`
	InFlight   bool   `json:"in_flight"`
	Found      bool   `json:"found"`
}

// ListSymbols 分页输出台账中记录过的全部符号请求。
func (h *Handler) ListSymbols(c fiber.Ctx) error {
	skip := queryInt(c, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := queryInt(c, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	entries, err := h.ledger.List(skip, limit)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "list_symbols",
			"error":  err.Error(),
		}).Error("ledger list failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	rows := make([]symbolRow, len(entries))
	for i, entry := range entries {
		rows[i] = symbolRow{
			Name:       entry.Key.Name,
			Identifier: entry.Key.Identifier,
			Filename:   entry.Key.Filename,
			InFlight:   entry.InFlight,
			Found:      entry.Found,
		}
	}
	return c.JSON(rows)
}

func (h *Handler) logRequest(key symbol.Key, requestID string, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.SymbolFields(key.Name, key.Identifier, key.Filename)
	fields["action"] = "symbol_request"
	fields["status"] = status
	fields["cache_hit"] = cacheHit
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("symbol_request_failed")
		return
	}
	h.logger.WithFields(fields).Info("symbol_request_complete")
}

func queryInt(c fiber.Ctx, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
