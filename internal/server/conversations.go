package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"polychat/internal/models"
	"polychat/internal/store/sqlite"
	"polychat/internal/translator"
)

func (s *Server) handleListConversations(c echo.Context) error {
	limit := sqlite.DefaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "limit must be a positive integer",
				Type:    "invalid_request_error",
			}
		}
		limit = n
	}

	list, err := s.store.ListConversations(c.Request().Context(), userID(c), limit)
	if err != nil {
		s.logger.Error("list conversations", "error", err)
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": translator.FromSummaries(list)})
}

func (s *Server) handleMessages(c echo.Context) error {
	conv, err := s.sessions.Get(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromConversation(conv))
}

func (s *Server) handleExport(c echo.Context) error {
	conv, err := s.sessions.Get(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, conv.Export())
}

func (s *Server) handleGetSettings(c echo.Context) error {
	conv, err := s.sessions.Get(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromSettings(conv.ID(), conv.Settings()))
}

func (s *Server) handlePutSettings(c echo.Context) error {
	var req translator.SettingsRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	uid := userID(c)
	conv, err := s.sessions.Get(c.Request().Context(), uid, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	settings := req.Settings.Apply(conv.Settings())
	conv.SetSettings(settings)
	s.sessions.Changed(conv, uid)
	return c.JSON(http.StatusOK, translator.FromSettings(conv.ID(), settings))
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	ctx := c.Request().Context()
	uid := userID(c)
	id := c.Param("id")

	conv, err := s.sessions.Get(ctx, uid, id)
	if err == nil && conv.Active() {
		return toHTTPError(models.ErrDispatchInProgress)
	}
	live := err == nil

	// A conversation whose first dispatch has not been persisted yet lives only in memory.
	if err := s.store.DeleteConversation(ctx, uid, id); err != nil {
		if !live || !errors.Is(err, models.ErrConversationNotFound) {
			return toHTTPError(err)
		}
	}
	s.sessions.Forget(id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetKeys(c echo.Context) error {
	keys, err := s.store.Keys(c.Request().Context(), userID(c))
	if err != nil {
		s.logger.Error("load keys", "error", err)
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.NewKeysResponse(keys))
}

func (s *Server) handlePutKey(c echo.Context) error {
	var req translator.KeyUpdateRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	uid := userID(c)
	var err error
	switch req.Action() {
	case translator.KeyRemove:
		err = s.store.RemoveKey(ctx, uid, req.Vendor)
	default:
		err = s.store.PutKey(ctx, uid, req.Vendor, req.StoredValue())
	}
	if err != nil {
		s.logger.Error("update key", "vendor", req.Vendor, "error", err)
		return toHTTPError(err)
	}

	keys, err := s.store.Keys(ctx, uid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.NewKeysResponse(keys))
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromRegistry(s.registry))
}

func (s *Server) handleRoles(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"roles": translator.Roles()})
}
