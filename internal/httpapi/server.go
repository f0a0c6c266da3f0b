// Package httpapi exposes the memory facade as a small REST API.
package httpapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/xiy/memory-mesh/internal/store"
	"github.com/xiy/memory-mesh/pkg/types"
)

// Memory is the facade the handlers dispatch to.
type Memory interface {
	AddMemory(ctx context.Context, in types.AddInput) types.AddResult
	SearchMemory(ctx context.Context, in types.SearchInput) types.SearchResult
	UpdateMemory(ctx context.Context, in types.UpdateInput) types.UpdateResult
	DeleteMemory(ctx context.Context, in types.DeleteInput) types.DeleteResult
	GetAllMemory(ctx context.Context, in types.GetAllInput) types.GetAllResult
	Stats(ctx context.Context) types.StatsResult
}

// RequestLogSink receives one summary row per handled request.
type RequestLogSink interface {
	InsertRequestLog(ctx context.Context, rec store.RequestLog) error
}

const (
	localOperation = "memory-mesh.operation"
	localFailure   = "memory-mesh.failure"
)

// Server serves the REST API.
type Server struct {
	app    *fiber.App
	mem    Memory
	logger *log.Logger
	sink   RequestLogSink
}

// New builds the fiber app and registers every route. sink may be nil.
func New(mem Memory, name string, logger *log.Logger, sink RequestLogSink) *Server {
	srv := &Server{
		app: fiber.New(fiber.Config{
			AppName:      name,
			ServerHeader: "memory-mesh",
		}),
		mem:    mem,
		logger: logger,
		sink:   sink,
	}

	srv.app.Use(recoverer.New(), srv.requestLogger)
	srv.app.Get("/livez", healthcheck.NewHealthChecker())

	v1 := srv.app.Group("/v1")
	v1.Post("/memories", srv.handleAdd)
	v1.Post("/memories/search", srv.handleSearch)
	v1.Get("/memories", srv.handleGetAll)
	v1.Patch("/memories/:id", srv.handleUpdate)
	v1.Delete("/memories/:id", srv.handleDelete)
	v1.Get("/stats", srv.handleStats)
	return srv
}

// App exposes the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks serving addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("http api listening", "addr", addr)
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleAdd(c fiber.Ctx) error {
	c.Locals(localOperation, "add_memory")
	var in types.AddInput
	if err := c.Bind().Body(&in); err != nil {
		return s.badRequest(c, "invalid request body: "+err.Error())
	}
	res := s.mem.AddMemory(c.Context(), in)
	return s.reply(c, fiber.StatusCreated, res, res.Success, res.Error)
}

func (s *Server) handleSearch(c fiber.Ctx) error {
	c.Locals(localOperation, "search_memory")
	var in types.SearchInput
	if err := c.Bind().Body(&in); err != nil {
		return s.badRequest(c, "invalid request body: "+err.Error())
	}
	res := s.mem.SearchMemory(c.Context(), in)
	return s.reply(c, fiber.StatusOK, res, res.Success, res.Error)
}

func (s *Server) handleGetAll(c fiber.Ctx) error {
	c.Locals(localOperation, "get_all_memory")
	in := types.GetAllInput{Scope: types.Scope{
		UserID:  c.Query("user_id"),
		AgentID: c.Query("agent_id"),
		AppID:   c.Query("app_id"),
	}}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return s.badRequest(c, "limit must be an integer")
		}
		in.Limit = n
	}
	res := s.mem.GetAllMemory(c.Context(), in)
	return s.reply(c, fiber.StatusOK, res, res.Success, res.Error)
}

func (s *Server) handleUpdate(c fiber.Ctx) error {
	c.Locals(localOperation, "update_memory")
	in := types.UpdateInput{MemoryID: c.Params("id")}
	if err := c.Bind().Body(&in.Data); err != nil {
		return s.badRequest(c, "invalid patch: "+err.Error())
	}
	res := s.mem.UpdateMemory(c.Context(), in)
	return s.reply(c, fiber.StatusOK, res, res.Success, res.Error)
}

func (s *Server) handleDelete(c fiber.Ctx) error {
	c.Locals(localOperation, "delete_memory")
	res := s.mem.DeleteMemory(c.Context(), types.DeleteInput{MemoryID: c.Params("id")})
	return s.reply(c, fiber.StatusOK, res, res.Success, res.Error)
}

func (s *Server) handleStats(c fiber.Ctx) error {
	c.Locals(localOperation, "get_stats")
	res := s.mem.Stats(c.Context())
	return s.reply(c, fiber.StatusOK, res, res.Success, res.Error)
}

func (s *Server) reply(c fiber.Ctx, okStatus int, body any, success bool, info *types.ErrorInfo) error {
	if success {
		return c.Status(okStatus).JSON(body)
	}
	if info != nil {
		c.Locals(localFailure, string(info.Kind)+": "+info.Message)
	}
	return c.Status(StatusFor(info)).JSON(body)
}

func (s *Server) badRequest(c fiber.Ctx, msg string) error {
	info := &types.ErrorInfo{Kind: types.KindInvalidInput, Message: msg}
	return s.reply(c, fiber.StatusBadRequest, fiber.Map{"success": false, "error": info}, false, info)
}

// StatusFor maps a failed result onto an HTTP status code.
func StatusFor(info *types.ErrorInfo) int {
	if info == nil {
		return fiber.StatusInternalServerError
	}
	switch info.Kind {
	case types.KindInvalidInput:
		return fiber.StatusBadRequest
	case types.KindNotFound:
		return fiber.StatusNotFound
	case types.KindEmbedding:
		return fiber.StatusBadGateway
	case types.KindAllBackendsUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) requestLogger(c fiber.Ctx) error {
	started := time.Now()
	err := c.Next()
	elapsed := time.Since(started)

	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	route := c.Path()
	if r := c.Route(); r != nil && r.Path != "" && r.Path != "/" {
		route = r.Path
	}
	method := c.Method() + " " + route

	failure, _ := c.Locals(localFailure).(string)
	if failure == "" && err != nil {
		failure = err.Error()
	}
	if failure == "" && status >= fiber.StatusBadRequest {
		failure = strconv.Itoa(status)
	}

	s.logger.Debug("http request", "method", method, "status", status, "duration", elapsed)
	if s.sink != nil {
		op, _ := c.Locals(localOperation).(string)
		rec := store.RequestLog{
			Transport:  "http",
			Method:     method,
			ToolName:   op,
			Success:    failure == "",
			ErrorText:  failure,
			DurationMS: elapsed.Milliseconds(),
			CreatedAt:  time.Now().UTC(),
		}
		if serr := s.sink.InsertRequestLog(c.Context(), rec); serr != nil {
			s.logger.Warn("failed to persist request log", "error", serr)
		}
	}
	return err
}
