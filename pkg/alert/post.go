package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const userAgent = "micradar/1.0"

// poster delivers JSON payloads to one webhook endpoint.
type poster struct {
	dest   string
	url    string
	client *http.Client
}

func newPoster(dest, url string) poster {
	return poster{dest: dest, url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// post marshals payload, lets sign add headers for the exact bytes sent and
// treats any 2xx as delivered.
func (p poster) post(ctx context.Context, payload any, sign func(h http.Header, body []byte)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", p.dest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", p.dest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if sign != nil {
		sign(req.Header, body)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", p.dest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s status %d", p.dest, resp.StatusCode)
	}
	return nil
}
