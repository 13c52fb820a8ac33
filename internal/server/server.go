package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"polychat/internal/auth"
	"polychat/internal/batch"
	"polychat/internal/config"
	"polychat/internal/dispatch"
	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/roles"
	"polychat/internal/session"
	"polychat/internal/store/sqlite"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second

	userIDKey = "user_id"
)

// Authorizer verifies bearer tokens.
type Authorizer interface {
	Authorize(token string) (string, error)
}

// Store is the persistence the handlers use directly. Conversation snapshots are
// written by the persistence subscriber, not by handlers.
type Store interface {
	ListConversations(ctx context.Context, owner string, limit int) ([]sqlite.Summary, error)
	DeleteConversation(ctx context.Context, owner, id string) error
	SetFeedback(ctx context.Context, owner, messageID, feedback string) (string, error)
	PutKey(ctx context.Context, userID string, vendor models.Vendor, key string) error
	RemoveKey(ctx context.Context, userID string, vendor models.Vendor) error
	Keys(ctx context.Context, userID string) (map[models.Vendor]string, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	Registry   *provider.Registry
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Manager
	Store      Store
	Auth       Authorizer
	Logger     *slog.Logger
}

type Server struct {
	cfg        config.Config
	registry   *provider.Registry
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	store      Store
	auth       Authorizer
	batch      batch.Runner
	logger     *slog.Logger
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry must not be nil")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher must not be nil")
	case deps.Sessions == nil:
		return nil, errors.New("session manager must not be nil")
	case deps.Store == nil:
		return nil, errors.New("store must not be nil")
	case deps.Auth == nil:
		return nil, errors.New("authorizer must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if len(cfg.Server.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.Server.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		}))
	}
	e.Use(middleware.BodyLimit("1M"))

	srv := &Server{
		cfg:        cfg,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		sessions:   deps.Sessions,
		store:      deps.Store,
		auth:       deps.Auth,
		batch:      batch.Runner{Delay: cfg.Dispatch.BatchDelay, Logger: logger},
		logger:     logger,
		app:        e,
		address:    fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api", s.handleRoot)

	api := s.app.Group("/api", s.requireAuth)
	api.POST("/chat/stream", s.handleChatStream)
	api.POST("/chat/synthesis", s.handleSynthesis)
	api.POST("/chat/catchup", s.handleCatchup)
	api.POST("/chat/batch", s.handleBatch)
	api.POST("/chat/feedback", s.handleFeedback)

	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id/messages", s.handleMessages)
	api.GET("/conversations/:id/export", s.handleExport)
	api.GET("/conversations/:id/settings", s.handleGetSettings)
	api.PUT("/conversations/:id/settings", s.handlePutSettings)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)

	api.GET("/keys", s.handleGetKeys)
	api.PUT("/keys", s.handlePutKey)
	api.GET("/models", s.handleModels)
	api.GET("/roles", s.handleRoles)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "Multi-AI Chat API"})
}

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := auth.BearerToken(c.Request())
		userID, err := s.auth.Authorize(token)
		if err != nil {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "invalid or expired token",
				Type:    "unauthorized",
			}
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps domain errors onto API errors. Per-provider failures never reach
// it: they travel inside the stream as error frames.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	badRequest := []struct {
		target error
		code   string
	}{
		{models.ErrEmptyMessage, "empty_message"},
		{models.ErrNoEligibleProviders, "no_eligible_providers"},
		{models.ErrNoSelection, "no_selection"},
		{models.ErrNoSynthesisTargets, "no_synthesis_targets"},
		{models.ErrUnknownModel, "unknown_model"},
		{roles.ErrUnknownRole, "unknown_role"},
		{batch.ErrNoPrompts, "no_prompts"},
	}
	for _, candidate := range badRequest {
		if errors.Is(err, candidate.target) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    candidate.code,
			}
		}
	}

	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return requestError{Status: http.StatusUnauthorized, Message: "invalid or expired token", Type: "unauthorized"}
	case errors.Is(err, models.ErrConversationNotFound), errors.Is(err, models.ErrMessageNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found"}
	case errors.Is(err, models.ErrDispatchInProgress):
		return requestError{Status: http.StatusConflict, Message: err.Error(), Type: "conflict"}
	case errors.Is(err, models.ErrTransport):
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("polychat ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /api/chat/stream       fan a prompt out to several models")
	fmt.Println("  POST /api/chat/synthesis    send selected responses to other models")
	fmt.Println("  POST /api/chat/catchup      bring new models up to speed")
	fmt.Println("  POST /api/chat/batch        run prompts one after another")
	fmt.Println("  GET  /api/conversations     list conversations")
	fmt.Printf("Example:\n  curl -N http://%s:%d/api/chat/stream -H \"Authorization: Bearer $TOKEN\" -d '{\"message\":\"hello\",\"models\":[\"gpt-5.2\",\"claude-sonnet-4-5\"]}'\n\n", host, port)
}
