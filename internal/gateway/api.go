// ABOUTME: Internal HTTP API for message injection, backend answers and session operations
// ABOUTME: Mounted under /api and protected by bearer tokens when a JWT secret is configured

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
	"github.com/jordydydy/semaphore-remove/internal/outbound"
	"github.com/jordydydy/semaphore-remove/internal/store"
)

// maxAPIBody bounds an API request body.
const maxAPIBody = 1 << 20

// ProcessRequest is the JSON body for POST /api/messages/process.
type ProcessRequest struct {
	Platform         string          `json:"platform"`
	PlatformUniqueID string          `json:"platform_unique_id"`
	Query            string          `json:"query"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	MessageID        string          `json:"message_id,omitempty"`
	Metadata         ProcessMetadata `json:"metadata"`
}

// ProcessMetadata carries optional email threading and feedback fields.
type ProcessMetadata struct {
	Subject         string `json:"subject,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	InReplyTo       string `json:"in_reply_to,omitempty"`
	References      string `json:"references,omitempty"`
	ThreadKey       string `json:"thread_key,omitempty"`
	GraphMessageID  string `json:"graph_message_id,omitempty"`
	GraphThreadID   string `json:"graph_conversation_id,omitempty"`
	IsFeedback      bool   `json:"is_feedback,omitempty"`
	FeedbackPayload string `json:"payload,omitempty"`
}

// ReplyFields is a backend answer. Several field names are accepted for the
// recipient and the text.
type ReplyFields struct {
	User             string  `json:"user,omitempty"`
	PlatformUniqueID string  `json:"platform_unique_id,omitempty"`
	RecipientID      string  `json:"recipient_id,omitempty"`
	Platform         string  `json:"platform"`
	Answer           string  `json:"answer,omitempty"`
	Message          string  `json:"message,omitempty"`
	ConversationID   string  `json:"conversation_id,omitempty"`
	AnswerID         FlexInt `json:"answer_id,omitempty"`
}

// ReplyRequest is the JSON body for POST /api/messages/reply. The fields may
// be sent at the top level or wrapped in "data".
type ReplyRequest struct {
	ReplyFields
	Data *ReplyFields `json:"data,omitempty"`
}

// FlexInt decodes a JSON number or numeric string. Anything else is zero.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexInt(n)
	return nil
}

// SessionResponse is the JSON view of a session.
type SessionResponse struct {
	ID        string  `json:"id"`
	Channel   string  `json:"channel"`
	UserID    string  `json:"user_id"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
	Helpdesk  bool    `json:"helpdesk"`
	Open      bool    `json:"open"`
}

// HelpdeskRequest is the JSON body for POST /api/sessions/{id}/helpdesk.
type HelpdeskRequest struct {
	Helpdesk bool `json:"helpdesk"`
}

// toEvent converts a process request into an inbound event.
func (req *ProcessRequest) toEvent(now time.Time) (*inbound.Event, error) {
	ch, err := channel.Parse(strings.ToLower(req.Platform))
	if err != nil {
		return nil, err
	}
	ev := &inbound.Event{
		Channel:        ch,
		UserID:         strings.TrimSpace(req.PlatformUniqueID),
		MessageID:      req.MessageID,
		Text:           req.Query,
		ConversationID: req.ConversationID,
		ReceivedAt:     now,
	}
	md := req.Metadata
	if md.IsFeedback {
		fb, ok := inbound.ParseFeedback(md.FeedbackPayload)
		if !ok {
			return nil, errors.New("feedback payload must look like <outcome>-<answer-id>")
		}
		ev.Feedback = fb
	}
	if ch == channel.Email {
		ev.Email = &inbound.EmailMeta{
			Subject:           md.Subject,
			SenderName:        md.SenderName,
			InReplyTo:         md.InReplyTo,
			References:        md.References,
			ThreadKey:         md.ThreadKey,
			ProviderThreadID:  md.GraphThreadID,
			ProviderMessageID: md.GraphMessageID,
		}
		if ev.Email.ThreadKey == "" {
			ev.Email.ThreadKey = inbound.HeaderThreadKey(md.References, md.InReplyTo, req.MessageID)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if !ev.IsFeedback() && strings.TrimSpace(ev.Text) == "" {
		return nil, errors.New("query is required")
	}
	return ev, nil
}

// toAnswer flattens a reply request.
func (req *ReplyRequest) toAnswer() (Answer, error) {
	f := req.ReplyFields
	if req.Data != nil {
		f = *req.Data
	}
	ch, err := channel.Parse(strings.ToLower(f.Platform))
	if err != nil {
		return Answer{}, err
	}
	a := Answer{
		Channel:        ch,
		UserID:         firstNonEmpty(f.User, f.PlatformUniqueID, f.RecipientID),
		Text:           firstNonEmpty(f.Answer, f.Message),
		ConversationID: f.ConversationID,
		AnswerID:       int64(f.AnswerID),
	}
	if a.UserID == "" {
		return Answer{}, errors.New("recipient is required")
	}
	if a.Text == "" {
		return Answer{}, errors.New("answer is required")
	}
	return a, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func toSessionResponse(s *store.Session) SessionResponse {
	resp := SessionResponse{
		ID:        s.ID,
		Channel:   string(s.Channel),
		UserID:    s.UserID,
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
		Helpdesk:  s.Helpdesk,
		Open:      s.Open(),
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &ended
	}
	return resp
}

// handleProcessMessage handles POST /api/messages/process.
// The event is queued and processed after the response.
func (g *Gateway) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev, err := req.toEvent(time.Now())
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.process(r.Context(), ev)
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handleReply handles POST /api/messages/reply, the backend answer callback.
func (g *Gateway) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	answer, err := req.toAnswer()
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.pipeline.DeliverReply(r.Context(), answer)
	switch {
	case errors.Is(err, outbound.ErrUnsupportedChannel):
		g.sendJSONError(w, http.StatusUnprocessableEntity, "channel not enabled")
		return
	case err != nil:
		g.logger.Error("delivering reply failed",
			"channel", answer.Channel,
			"conversation_id", answer.ConversationID,
			"error", err)
		g.sendJSONError(w, http.StatusBadGateway, "delivery failed")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"status": "sent",
		"method": result.Method,
		"parts":  result.Parts,
	})
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("loading session failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleCloseSession handles POST /api/sessions/{id}/close.
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	closed, err := g.pipeline.CloseSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("closing session failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

// handleSetHelpdesk handles POST /api/sessions/{id}/helpdesk.
func (g *Gateway) handleSetHelpdesk(w http.ResponseWriter, r *http.Request) {
	var req HelpdeskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := g.pipeline.SetHelpdesk(r.Context(), r.PathValue("id"), req.Helpdesk)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("updating helpdesk flag failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toSessionResponse(sess))
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
