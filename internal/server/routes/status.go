package routes

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/zimview/internal/archive"
	"github.com/any-hub/zimview/internal/mode"
	"github.com/any-hub/zimview/internal/pipeline"
	"github.com/any-hub/zimview/internal/worker"
)

const defaultSearchLimit = 50

// Diagnostics 汇总诊断接口需要读取的运行时组件，任一字段为空时对应段落省略。
type Diagnostics struct {
	Modes            *mode.Controller
	Worker           *worker.Worker
	Archives         *archive.Holder
	MaxSearchResults int
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/search 诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, d Diagnostics) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(c, d))
	})

	app.Get("/-/search", func(c fiber.Ctx) error {
		prefix := strings.TrimSpace(c.Query("prefix"))
		if prefix == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "prefix_required"})
		}
		if d.Archives == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive_not_ready"})
		}
		arch, err := d.Archives.Ready()
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive_not_ready"})
		}

		limit := d.MaxSearchResults
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_limit"})
			}
			if parsed < limit {
				limit = parsed
			}
		}

		entries, err := arch.FindEntriesWithPrefix(c.Context(), prefix, limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(searchPayload{
			Archive: arch.Name(),
			Prefix:  prefix,
			Message: pipeline.SearchMessage(len(entries), limit),
			Results: encodeEntries(entries),
		})
	})
}

type statusPayload struct {
	Mode    string          `json:"mode,omitempty"`
	Archive *archivePayload `json:"archive,omitempty"`
	Cache   *cachePayload   `json:"cache,omitempty"`
	Worker  *worker.Status  `json:"worker,omitempty"`
}

type archivePayload struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type cachePayload struct {
	Enabled     bool   `json:"enabled"`
	Entries     int    `json:"entries"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Count       int    `json:"count"`
	Error       string `json:"error,omitempty"`
}

type searchPayload struct {
	Archive string         `json:"archive"`
	Prefix  string         `json:"prefix"`
	Message string         `json:"message"`
	Results []entryPayload `json:"results"`
}

type entryPayload struct {
	Path     string `json:"path"`
	Title    string `json:"title"`
	Redirect bool   `json:"redirect,omitempty"`
}

func encodeStatus(c fiber.Ctx, d Diagnostics) statusPayload {
	var payload statusPayload
	if d.Modes != nil {
		payload.Mode = string(d.Modes.Current())
		cache := d.Modes.Cache()
		status, err := d.Modes.CacheStatus(c.Context())
		item := &cachePayload{
			Enabled:     cache.Enabled(),
			Entries:     cache.Len(),
			Type:        status.Type,
			Description: status.Description,
			Count:       status.Count,
		}
		if err != nil {
			item.Error = err.Error()
		}
		payload.Cache = item
	}
	if d.Archives != nil {
		if arch := d.Archives.Get(); arch != nil {
			payload.Archive = &archivePayload{Name: arch.Name(), Ready: arch.IsReady()}
		}
	}
	if d.Worker != nil {
		st := d.Worker.Status(c.Context())
		payload.Worker = &st
	}
	return payload
}

func encodeEntries(entries []archive.Entry) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entryPayload{
			Path:     entry.FullPath(),
			Title:    entry.TitleOrPath(),
			Redirect: entry.IsRedirect(),
		})
	}
	return result
}
