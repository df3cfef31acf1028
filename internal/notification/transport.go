package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

type Kind string

const (
	KindSMS   Kind = "SMS"
	KindEmail Kind = "EMAIL"
)

var ErrUnknownKind = errors.New("unknown notification type")

// ParseKind accepts SMS and EMAIL in any case.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindSMS:
		return KindSMS, nil
	case KindEmail:
		return KindEmail, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type Message struct {
	Kind        Kind
	Destination string
	Subject     string
	Body        string
}

// Transport hands a rendered message to the vendor that delivers it.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// NewTransport picks the HTTP vendors when configured and falls back to
// logging messages otherwise.
func NewTransport(cfg config.Config, logger zerolog.Logger) Transport {
	if cfg.SMSGatewayURL == "" && cfg.EmailAPIURL == "" {
		logger.Warn().Msg("no SMS gateway or email API configured, notifications are only logged")
		return NewLogTransport(logger)
	}
	return NewHTTPTransport(HTTPTransportConfig{
		SMSGatewayURL: cfg.SMSGatewayURL,
		EmailAPIURL:   cfg.EmailAPIURL,
		EmailAPIKey:   cfg.EmailAPIKey,
		EmailFrom:     cfg.EmailFrom,
		Timeout:       cfg.NotifyRetry.AttemptTimeout,
	})
}

type HTTPTransportConfig struct {
	SMSGatewayURL string
	EmailAPIURL   string
	EmailAPIKey   string
	EmailFrom     string
	Timeout       time.Duration
}

// HTTPTransport posts SMS to the gateway's /sms/send and email to the email
// API's /emails.
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	client *http.Client
}

func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	cfg.SMSGatewayURL = strings.TrimRight(cfg.SMSGatewayURL, "/")
	cfg.EmailAPIURL = strings.TrimRight(cfg.EmailAPIURL, "/")
	if cfg.EmailFrom == "" {
		cfg.EmailFrom = "onboarding@resend.dev"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPTransport{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type smsPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type emailPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case KindSMS:
		if t.cfg.SMSGatewayURL == "" {
			return errors.New("sms gateway not configured")
		}
		return t.post(ctx, t.cfg.SMSGatewayURL+"/sms/send", "", smsPayload{To: msg.Destination, Message: msg.Body})
	case KindEmail:
		if t.cfg.EmailAPIURL == "" {
			return errors.New("email api not configured")
		}
		subject := msg.Subject
		if subject == "" {
			subject = "Notification"
		}
		return t.post(ctx, t.cfg.EmailAPIURL+"/emails", t.cfg.EmailAPIKey, emailPayload{
			From:    t.cfg.EmailFrom,
			To:      msg.Destination,
			Subject: subject,
			HTML:    "<p>" + strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>") + "</p>",
		})
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
}

// post treats 429, 5xx and network failures as transient.
func (t *HTTPTransport) post(ctx context.Context, url, bearer string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return resilience.Transient(fmt.Errorf("post %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(detail)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resilience.Transient(err)
	}
	return err
}

// LogTransport only logs messages. Used in dev when no vendor is configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info().
		Str("kind", string(msg.Kind)).
		Str("to", msg.Destination).
		Str("subject", msg.Subject).
		Str("body", msg.Body).
		Msg("notification")
	return nil
}
