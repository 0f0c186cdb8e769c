// ABOUTME: Meta webhook endpoints for WhatsApp and Instagram
// ABOUTME: Answers the hub verification handshake, checks payload signatures and acks before processing

package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
)

// maxWebhookBody bounds a webhook payload.
const maxWebhookBody = 1 << 20

// signatureHeader carries the HMAC-SHA256 of the payload keyed by the app secret.
const signatureHeader = "X-Hub-Signature-256"

// ParseFunc turns a webhook body into an inbound event.
type ParseFunc func(body []byte, ownID string, now time.Time) (*inbound.Event, error)

// webhook holds the per-channel settings of one Meta webhook.
type webhook struct {
	channel     channel.Channel
	verifyToken string
	appSecret   string
	ownID       string
	parse       ParseFunc
}

// handleVerify answers GET hub.mode=subscribe with the challenge when the
// verify token matches.
func (g *Gateway) handleVerify(wh webhook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mode := q.Get("hub.mode")
		token := q.Get("hub.verify_token")
		challenge := q.Get("hub.challenge")

		if mode != "subscribe" || wh.verifyToken == "" || !hmac.Equal([]byte(token), []byte(wh.verifyToken)) {
			g.logger.Warn("webhook verification failed", "channel", wh.channel, "mode", mode)
			g.sendJSONError(w, http.StatusForbidden, "verification failed")
			return
		}
		g.logger.Info("webhook verified", "channel", wh.channel)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	}
}

// handleWebhook acknowledges a delivery immediately and processes the event
// in the background.
func (g *Gateway) handleWebhook(wh webhook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		if wh.appSecret != "" && !validSignature(wh.appSecret, body, r.Header.Get(signatureHeader)) {
			g.logger.Warn("webhook signature mismatch", "channel", wh.channel)
			g.sendJSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		ev, err := wh.parse(body, wh.ownID, time.Now())
		switch {
		case errors.Is(err, inbound.ErrIgnored):
			g.logger.Debug("webhook payload ignored", "channel", wh.channel)
		case err != nil:
			g.logger.Warn("webhook payload rejected", "channel", wh.channel, "error", err)
		default:
			if ev.IsFeedback() {
				g.logger.Info("feedback received", "channel", wh.channel, "payload", ev.Feedback.Payload)
			}
			g.process(r.Context(), ev)
		}

		g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// process runs the pipeline for ev on a context detached from the request.
func (g *Gateway) process(ctx context.Context, ev *inbound.Event) {
	bg := context.WithoutCancel(ctx)
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		if _, err := g.pipeline.HandleInbound(bg, ev); err != nil {
			g.logger.Error("processing message failed",
				"channel", ev.Channel,
				"user_id", ev.UserID,
				"message_id", ev.MessageID,
				"error", err)
		}
	}()
}

// validSignature checks a "sha256=<hex>" signature over body.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
