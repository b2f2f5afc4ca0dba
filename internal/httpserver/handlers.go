package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lordamdal/beaver-hr-interviewer/internal/guard"
	"github.com/lordamdal/beaver-hr-interviewer/internal/orchestrator"
	"github.com/lordamdal/beaver-hr-interviewer/internal/store"
	"github.com/lordamdal/beaver-hr-interviewer/internal/telephony"
)

type handlers struct {
	orc   Interviewer
	guard *guard.Guard
}

// twilioParams returns the form parameters validated by the signature
// middleware.
func twilioParams(c echo.Context) map[string]string {
	if params, ok := c.Get("twilioParams").(map[string]string); ok {
		return params
	}
	return map[string]string{}
}

// event normalizes one webhook delivery. The key identifies the logical event
// across retried deliveries; the guard assigns it a stable per-call sequence.
func (h *handlers) event(c echo.Context, eventType, key string) (orchestrator.Event, bool) {
	params := twilioParams(c)
	callID := params["CallSid"]
	if callID == "" {
		return orchestrator.Event{}, false
	}
	return orchestrator.Event{
		ProviderCallID: callID,
		Type:           eventType,
		Key:            key,
		Seq:            h.guard.Sequence(callID, key),
		Params:         params,
	}, true
}

func twiml(c echo.Context, body string) error {
	return c.Blob(http.StatusOK, "text/xml", []byte(body))
}

func (h *handlers) answer(c echo.Context) error {
	params := twilioParams(c)
	ev, ok := h.event(c, "answer", "answered:"+params["CallSid"])
	if !ok {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	out, err := h.orc.HandleAnswer(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return twiml(c, out)
}

func (h *handlers) gather(c echo.Context) error {
	params := twilioParams(c)
	key := params["RecordingSid"]
	if key == "" {
		// An empty capture carries no recording sid; retries of it are
		// indistinguishable, which is harmless because the response is a
		// stateless reprompt.
		key = "gather-empty:" + params["CallSid"]
	}
	ev, ok := h.event(c, "gather", key)
	if !ok {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	out, err := h.orc.HandleGather(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return twiml(c, out)
}

func (h *handlers) status(c echo.Context) error {
	params := twilioParams(c)
	ev, ok := h.event(c, "status", "status:"+params["CallStatus"]+":"+params["SequenceNumber"])
	if !ok {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	out, err := h.orc.HandleStatus(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, out)
}

func (h *handlers) recordingStatus(c echo.Context) error {
	params := twilioParams(c)
	ev, ok := h.event(c, "recording-status", "rec:"+params["RecordingSid"])
	if !ok {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	out, err := h.orc.HandleRecordingStatus(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, out)
}

type startCallRequest struct {
	To string `json:"to"`
}

type startCallResponse struct {
	SessionID      string `json:"session_id"`
	ProviderCallID string `json:"provider_call_id"`
	State          string `json:"state"`
}

func (h *handlers) startCall(c echo.Context) error {
	var req startCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !telephony.ValidPhoneNumber(req.To) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid phone number"})
	}
	sess, err := h.orc.StartCall(c.Request().Context(), req.To)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, startCallResponse{
		SessionID:      sess.SessionID,
		ProviderCallID: sess.ProviderCallID,
		State:          string(sess.State),
	})
}

func (h *handlers) getSession(c echo.Context) error {
	sess, err := h.orc.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *handlers) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
