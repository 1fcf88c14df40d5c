package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/twilioapi"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// parseTwilioForm parses the webhook form and, when an auth token is configured,
// checks X-Twilio-Signature. It writes the error response itself and returns false on failure.
func (s *Server) parseTwilioForm(w http.ResponseWriter, r *http.Request, op string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server."+op+": failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return false
	}
	if s.twilioAuthToken == "" {
		return true
	}

	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if !twilioapi.ValidateSignature(s.twilioAuthToken, s.webhookURL(r), params, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("Server."+op+": invalid Twilio signature", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
		return false
	}
	return true
}

// webhookURL rebuilds the public URL Twilio signed.
func (s *Server) webhookURL(r *http.Request) string {
	base := s.publicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}

// twilioStatusHandler receives message and call status callbacks.
func (s *Server) twilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.parseTwilioForm(w, r, "twilioStatusHandler") {
		return
	}
	ref := r.PostForm.Get("MessageSid")
	status := r.PostForm.Get("MessageStatus")
	if ref == "" {
		ref = r.PostForm.Get("CallSid")
		status = r.PostForm.Get("CallStatus")
	}
	if ref == "" || status == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("missing sid or status"))
		return
	}

	ms, ok := messaging.ReceiptFromStatus(status)
	if !ok {
		slog.Debug("Server.twilioStatusHandler: ignoring status", "ref", ref, "status", status)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	receipt := models.Receipt{
		ProviderRef: ref,
		To:          r.PostForm.Get("To"),
		Status:      ms,
		Time:        s.now().Unix(),
	}
	if err := s.tracker.HandleReceipt(r.Context(), receipt); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			slog.Debug("Server.twilioStatusHandler: receipt does not apply", "ref", ref, "error", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, "twilioStatusHandler", err)
		return
	}
	slog.Debug("Server.twilioStatusHandler: receipt applied", "ref", ref, "status", ms)
	w.WriteHeader(http.StatusNoContent)
}

// twilioInboundHandler receives inbound SMS replies. Twilio retries on
// non-2xx, so replies that match no reminder are acknowledged and dropped.
func (s *Server) twilioInboundHandler(w http.ResponseWriter, r *http.Request) {
	if !s.parseTwilioForm(w, r, "twilioInboundHandler") {
		return
	}
	resp := models.Response{
		MessageID: r.PostForm.Get("MessageSid"),
		From:      r.PostForm.Get("From"),
		Body:      r.PostForm.Get("Body"),
		Time:      s.now().Unix(),
	}
	if resp.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("missing From"))
		return
	}

	err := s.tracker.HandleResponse(r.Context(), resp)
	switch {
	case err == nil:
		slog.Info("Server.twilioInboundHandler: reply recorded", "from", resp.From, "messageID", resp.MessageID)
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidTransition):
		slog.Info("Server.twilioInboundHandler: reply matched no reminder", "from", resp.From, "error", err)
	default:
		writeError(w, "twilioInboundHandler", err)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.twilioInboundHandler: failed to write TwiML", "error", err)
	}
}
