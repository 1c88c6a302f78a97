package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/session"
)

// voice answers a new call: route the dialled number, start the session and
// greet the caller.
func (s *Server) voice(c echo.Context) error {
	lang := s.cfg.Telephony.Language
	sid := c.FormValue("CallSid")
	from, to := c.FormValue("From"), c.FormValue("To")

	route, ok := s.cfg.Route(to)
	if !ok {
		s.logger.Warn("no route for number", zap.String("to", to), zap.String("call_sid", sid))
		return c.XML(http.StatusOK, hangup("Sorry, this number is not in service.", lang))
	}

	_, err := s.engine.StartCall(c.Request().Context(), session.CallStart{
		CallSID:         sid,
		From:            from,
		To:              to,
		UserID:          route.UserID,
		KnowledgeBaseID: route.KnowledgeBaseID,
	})
	if err != nil {
		s.logger.Error("start call", zap.String("call_sid", sid), zap.Error(err))
		return c.XML(http.StatusOK, hangup(s.cfg.Session.FallbackMessage, lang))
	}
	return c.XML(http.StatusOK, listen(s.cfg.Telephony.Greeting, lang))
}

// speech handles one transcribed utterance.
func (s *Server) speech(c echo.Context) error {
	lang := s.cfg.Telephony.Language
	sid := c.FormValue("CallSid")

	reply, err := s.engine.HandleTurn(c.Request().Context(), session.TurnEvent{
		CallSID: sid,
		Text:    c.FormValue("SpeechResult"),
	})
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrConcurrentTurnConflict):
		return c.XML(http.StatusConflict, twiml{})
	case errors.Is(err, session.ErrCallEnded),
		errors.Is(err, apperr.ErrSessionNotFound),
		errors.Is(err, apperr.ErrInvalidStateTransition):
		return c.XML(http.StatusOK, hangup("", lang))
	default:
		// The turn failed but the call is still open; ask again.
		s.logger.Warn("turn failed", zap.String("call_sid", sid), zap.Error(err))
		return c.XML(http.StatusOK, listen(s.cfg.Telephony.Reprompt, lang))
	}

	if reply.KeepListening {
		return c.XML(http.StatusOK, listen(reply.Text, lang))
	}
	return c.XML(http.StatusOK, hangup(reply.Text, lang))
}

// terminalStatuses are call statuses after which no more turns arrive.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// status handles call progress callbacks; a terminal status ends the call.
func (s *Server) status(c echo.Context) error {
	sid := c.FormValue("CallSid")
	st := c.FormValue("CallStatus")
	if !terminalStatuses[st] {
		return c.NoContent(http.StatusNoContent)
	}
	if _, err := s.engine.EndCall(c.Request().Context(), sid, st); err != nil &&
		!errors.Is(err, apperr.ErrSessionNotFound) {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
