package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/metrics"

	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient phone number")
	ErrUnavailable      = errors.New("whatsapp api temporarily unavailable")
)

// APIError is a non-2xx answer from the Graph API. Body is kept for logs and
// must not be shown to dashboard users.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Rejected reports a per-request refusal such as a closed customer service
// window or an unknown template. The phone itself is healthy.
func (e *APIError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Client talks to the WhatsApp Cloud API on behalf of any configured
// business phone. Each phone has its own circuit breaker.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.GraphAPIURL, "/"),
		token:    cfg.WhatsAppToken,
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(phoneNumberID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[phoneNumberID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp-cloud-api:" + phoneNumberID,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: countsAsHealthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.Warn("whatsapp circuit breaker state changed",
				zap.String("phone_number_id", phoneNumberID),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.breakers[phoneNumberID] = cb
	return cb
}

// countsAsHealthy keeps request-level rejections and caller cancellations
// out of the breaker's failure count.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Rejected()
}

// WithMetrics counts every send attempt in m.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *TextObj     `json:"text,omitempty"`
	Template         *TemplateObj `json:"template,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type TemplateObj struct {
	Name     string      `json:"name"`
	Language LanguageObj `json:"language"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// NormalizeRecipient turns user input such as "+30 691 234 5678" or a bare
// wa_id into the digits-only international form the Cloud API expects.
func NormalizeRecipient(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidRecipient
	}
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	} else if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}

	num, err := phonenumbers.Parse(s, "")
	if err != nil {
		return "", errors.Wrap(ErrInvalidRecipient, err.Error())
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidRecipient
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}

// SendText sends a plain text message from phoneNumberID and returns the
// WhatsApp message id.
func (c *Client) SendText(ctx context.Context, phoneNumberID, to, body string) (string, error) {
	return c.send(ctx, phoneNumberID, GenericMessage{
		Type: "text",
		To:   to,
		Text: &TextObj{Body: body},
	})
}

// SendTemplate sends an approved template, the only kind of message allowed
// outside the 24 hour customer service window.
func (c *Client) SendTemplate(ctx context.Context, phoneNumberID, to, name, languageCode string) (string, error) {
	return c.send(ctx, phoneNumberID, GenericMessage{
		Type: "template",
		To:   to,
		Template: &TemplateObj{
			Name:     name,
			Language: LanguageObj{Code: languageCode},
		},
	})
}

func (c *Client) send(ctx context.Context, phoneNumberID string, msg GenericMessage) (string, error) {
	id, err := c.post(ctx, phoneNumberID, msg)
	c.metrics.ObserveSend(err)
	return id, err
}

func (c *Client) post(ctx context.Context, phoneNumberID string, msg GenericMessage) (string, error) {
	to, err := NormalizeRecipient(msg.To)
	if err != nil {
		return "", err
	}
	msg.To = to
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID)
	out, err := c.breaker(phoneNumberID).Execute(func() (interface{}, error) {
		return c.sendRequest(ctx, http.MethodPost, url, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrUnavailable
	}
	if err != nil {
		c.log.Error("whatsapp send failed",
			zap.String("phone_number_id", phoneNumberID),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(out.([]byte), &resp); err != nil {
		return "", errors.Wrap(err, "decode send response")
	}
	if len(resp.Messages) == 0 {
		return "", errors.New("send response has no message id")
	}
	return resp.Messages[0].ID, nil
}

func (c *Client) sendRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return respBody, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
