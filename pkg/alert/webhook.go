package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// Signature headers set when a webhook secret is configured.
const (
	HeaderTimestamp = "X-Micradar-Timestamp"
	HeaderSignature = "X-Micradar-Signature"
)

// Webhook posts the digest as a JSON event to any HTTP endpoint.
type Webhook struct {
	poster
	secret string
	now    func() time.Time
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{poster: newPoster("webhook", url), secret: secret, now: time.Now}
}

func (w *Webhook) Name() string { return "webhook" }

// Event is the body of a generic webhook delivery.
type Event struct {
	Type         string        `json:"type"`
	SentAt       time.Time     `json:"sent_at"`
	Notification *Notification `json:"notification"`
}

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	sentAt := w.now().UTC()
	ev := Event{Type: "price_changes", SentAt: sentAt, Notification: n}

	var sign func(http.Header, []byte)
	if w.secret != "" {
		ts := strconv.FormatInt(sentAt.Unix(), 10)
		sign = func(h http.Header, body []byte) {
			h.Set(HeaderTimestamp, ts)
			h.Set(HeaderSignature, "sha256="+Sign(w.secret, ts, body))
		}
	}
	return w.post(ctx, ev, sign)
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
// Receivers should also reject stale timestamps.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
