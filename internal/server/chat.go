package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"polychat/internal/batch"
	"polychat/internal/conversation"
	"polychat/internal/derive"
	"polychat/internal/dispatch"
	"polychat/internal/models"
	"polychat/internal/protocol"
	"polychat/internal/translator"
)

func (s *Server) handleChatStream(c echo.Context) error {
	var req translator.ChatStreamRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	uid := userID(c)
	conv, err := s.sessions.Open(ctx, uid, req.ConversationID)
	if err != nil {
		return toHTTPError(err)
	}

	settings := req.Settings.Apply(conv.Settings())
	run, err := s.dispatcher.Dispatch(ctx, conv, dispatch.Request{
		CanonicalRequest: req.ToCanonical(conv.ID(), settings),
		UserID:           uid,
		Paused:           req.Paused,
	})
	if err != nil {
		return toHTTPError(err)
	}
	if !req.Settings.Empty() {
		conv.SetSettings(settings)
	}

	return s.streamRun(c, run, req.Message)
}

func (s *Server) handleSynthesis(c echo.Context) error {
	var req translator.SynthesisRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	uid := userID(c)
	conv, err := s.sessions.Get(ctx, uid, req.ConversationID)
	if err != nil {
		return toHTTPError(err)
	}

	canonical, err := derive.Synthesis(conv, req.SelectedMessages, req.TargetModels, req.Instruction)
	if err != nil {
		return toHTTPError(err)
	}
	return s.dispatchAndStream(c, conv, canonical)
}

func (s *Server) handleCatchup(c echo.Context) error {
	var req translator.CatchupRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	uid := userID(c)
	conv, err := s.sessions.Get(ctx, uid, req.ConversationID)
	if err != nil {
		return toHTTPError(err)
	}

	canonical, err := derive.Catchup(conv, s.registry, req.NewModels, req.MessageIDs)
	if err != nil {
		return toHTTPError(err)
	}
	return s.dispatchAndStream(c, conv, canonical)
}

func (s *Server) dispatchAndStream(c echo.Context, conv *conversation.Conversation, canonical models.CanonicalRequest) error {
	run, err := s.dispatcher.Dispatch(c.Request().Context(), conv, dispatch.Request{
		CanonicalRequest: canonical,
		UserID:           userID(c),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return s.streamRun(c, run, canonical.Text)
}

// streamRun relays a single dispatch and closes the stream with a done frame.
func (s *Server) streamRun(c echo.Context, run *dispatch.Run, prompt string) error {
	w := s.openStream(c)
	result, err := pipeRun(w, run, prompt, nil)
	if err != nil {
		s.logger.Warn("stream aborted", "dispatch_id", run.ID, "error", err)
		return nil
	}
	if err := w.Write(protocol.Frame{Event: protocol.EventDone, Canceled: result.Canceled}); err != nil {
		s.logger.Warn("write done frame", "dispatch_id", run.ID, "error", err)
	}
	return nil
}

func (s *Server) handleBatch(c echo.Context) error {
	var req translator.BatchRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := batch.ValidatePrompts(req.Prompts); err != nil {
		return toHTTPError(err)
	}
	if _, err := s.registry.Resolve(req.Models); err != nil {
		return toHTTPError(err)
	}

	ctx := c.Request().Context()
	uid := userID(c)
	conv, err := s.sessions.Open(ctx, uid, req.ConversationID)
	if err != nil {
		return toHTTPError(err)
	}
	if conv.Active() {
		return toHTTPError(models.ErrDispatchInProgress)
	}

	w := s.openStream(c)
	settings := conv.Settings()
	results, err := s.batch.Run(ctx, req.Prompts, func(ctx context.Context, index int, prompt string) (dispatch.Result, error) {
		run, err := s.dispatcher.Dispatch(ctx, conv, dispatch.Request{
			CanonicalRequest: models.CanonicalRequest{
				Text:           prompt,
				GlobalContext:  settings.GlobalContext,
				Roles:          settings.Roles,
				Targets:        req.Models,
				ConversationID: conv.ID(),
			},
			UserID: uid,
			Paused: req.Paused,
		})
		if err != nil {
			if writeErr := w.Write(protocol.Frame{Event: protocol.EventBatchItem, BatchIndex: &index, Error: err.Error()}); writeErr != nil {
				return dispatch.Result{}, writeErr
			}
			return dispatch.Result{}, err
		}

		result, err := pipeRun(w, run, prompt, &index)
		if err != nil {
			return result, err
		}
		item := protocol.Frame{Event: protocol.EventBatchItem, BatchIndex: &index, Canceled: result.Canceled}
		if err := w.Write(item); err != nil {
			return result, err
		}
		return result, nil
	})

	s.logger.Info("batch finished",
		"conversation_id", conv.ID(),
		"summary", batch.Summary(results),
		"error", err,
	)
	if err := w.Write(protocol.Frame{Event: protocol.EventDone, Canceled: ctx.Err() != nil}); err != nil {
		s.logger.Warn("write done frame", "conversation_id", conv.ID(), "error", err)
	}
	return nil
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req translator.FeedbackRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	uid := userID(c)
	convID, err := s.store.SetFeedback(ctx, uid, req.MessageID, req.Feedback)
	if err != nil {
		return toHTTPError(err)
	}
	if conv, err := s.sessions.Get(ctx, uid, convID); err == nil {
		if err := conv.SetFeedback(req.MessageID, req.Feedback); err == nil {
			s.sessions.Changed(conv, uid)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// openStream commits the response as an event stream. The server write timeout is lifted
// for the connection because a stream lasts as long as the slowest provider.
func (s *Server) openStream(c echo.Context) *protocol.Writer {
	resp := c.Response()
	if err := http.NewResponseController(resp.Writer).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	header := resp.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set(echo.HeaderCacheControl, "no-cache")
	header.Set(echo.HeaderConnection, "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	return protocol.NewWriter(resp, resp.Flush)
}

// pipeRun writes the conversation frame of run followed by its merged events. A write
// failure cancels the dispatch; the ledger still reaches its terminal state.
func pipeRun(w *protocol.Writer, run *dispatch.Run, prompt string, index *int) (dispatch.Result, error) {
	head := protocol.Frame{
		Event:          protocol.EventConversation,
		ConversationID: run.ConversationID,
		DispatchID:     run.ID,
		PromptID:       run.PromptID,
		PromptOrdinal:  run.PromptOrdinal,
		Prompt:         prompt,
		Targets:        run.Targets,
		BatchIndex:     index,
	}
	if err := w.Write(head); err != nil {
		return abandon(run, err)
	}
	for ev := range run.Events() {
		if err := w.Write(protocol.FromDelta(ev)); err != nil {
			return abandon(run, err)
		}
	}
	return run.Wait(), nil
}

func abandon(run *dispatch.Run, err error) (dispatch.Result, error) {
	run.Cancel()
	for range run.Events() {
	}
	return run.Wait(), fmt.Errorf("write frame: %w", err)
}
