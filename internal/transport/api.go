package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// APISender posts messages to <base>/v1/send with a bearer key.
type APISender struct {
	base   string
	apiKey string
	client *http.Client
}

func NewAPISender(base, apiKey string, timeout time.Duration) *APISender {
	return &APISender{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

var messageIDPaths = []string{"data.messageId", "data.message_id", "messageId", "message_id", "id"}

func (s *APISender) Send(ctx context.Context, msg Message) (Result, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("send failed: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	res := Result{Status: "queued"}
	if gjson.ValidBytes(raw) {
		parsed := gjson.ParseBytes(raw)
		for _, p := range messageIDPaths {
			if v := parsed.Get(p); v.Exists() && v.String() != "" {
				res.MessageID = NormalizeMessageID(v.String())
				break
			}
		}
		if st := parsed.Get("data.status"); st.Exists() {
			res.Status = st.String()
		}
		if m, ok := parsed.Value().(map[string]any); ok {
			res.Raw = m
		}
	}
	return res, nil
}
