package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PushSink posts JSON to an FCM-style HTTP endpoint using a bearer key.
type PushSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushSink(endpoint, key string) *PushSink {
	return &PushSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message struct {
		Token string         `json:"token"`
		Data  map[string]any `json:"data"`
	} `json:"message"`
}

func (p *PushSink) Deliver(ctx context.Context, userID string, ev Event) error {
	var body pushMessage
	body.Message.Token = userID
	body.Message.Data = map[string]any{"event": ev.Name, "ride_id": ev.RideID, "payload": ev.Payload}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return nil
}
