// Package nlu relays free text to a conversational backend: a Rasa REST
// channel, an OpenAI chat model, or both in a fallback chain.
package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RasaClient posts messages to the REST input channel of a Rasa server.
type RasaClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewRasaClient builds a client for the full webhook URL, e.g.
// http://127.0.0.1:5005/webhooks/rest/webhook.
func NewRasaClient(webhookURL string, timeout time.Duration) *RasaClient {
	return &RasaClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rasaRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// rasaReply is one bot utterance.  Rasa may also send images or buttons;
// only the text is relayed.
type rasaReply struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	Image       string `json:"image,omitempty"`
}

// Send returns the text of every reply in the order Rasa produced them.
func (c *RasaClient) Send(ctx context.Context, sender, message string) ([]string, error) {
	payload, err := json.Marshal(rasaRequest{Sender: sender, Message: message})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rasa webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rasa webhook: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var replies []rasaReply
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		return nil, fmt.Errorf("rasa webhook: decode response: %w", err)
	}
	texts := make([]string, 0, len(replies))
	for _, r := range replies {
		if r.Text != "" {
			texts = append(texts, r.Text)
		}
	}
	return texts, nil
}
