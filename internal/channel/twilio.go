// Package channel adapts the WhatsApp transport to the triage core.  The
// core only sees Inbound values and a Sender; Twilio's form encoding, the
// "whatsapp:" address prefix and request validation stay here.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"triage-dispatcher/internal/logging"
)

const whatsappPrefix = "whatsapp:"

// ErrMissingSender is returned for payloads without a From address.
var ErrMissingSender = errors.New("inbound message has no sender")

// ErrSendFailed is returned when the provider rejects an outbound message.
var ErrSendFailed = errors.New("message send failed")

// Inbound is one message received from a patient.
type Inbound struct {
	From          string
	Text          string
	CorrelationID string
	ProfileName   string
	MediaURLs     []string
}

// ParseTwilioForm reads a Twilio messaging webhook payload.
func ParseTwilioForm(form url.Values) (Inbound, error) {
	from := StripPrefix(form.Get("From"))
	if from == "" {
		return Inbound{}, ErrMissingSender
	}
	in := Inbound{
		From:          from,
		Text:          strings.TrimSpace(form.Get("Body")),
		CorrelationID: form.Get("MessageSid"),
		ProfileName:   form.Get("ProfileName"),
	}
	if n, err := strconv.Atoi(form.Get("NumMedia")); err == nil {
		for i := 0; i < n; i++ {
			if u := form.Get(fmt.Sprintf("MediaUrl%d", i)); u != "" {
				in.MediaURLs = append(in.MediaURLs, u)
			}
		}
	}
	return in, nil
}

// StripPrefix removes the "whatsapp:" scheme from an address.
func StripPrefix(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), whatsappPrefix)
}

func withPrefix(addr string) string {
	if strings.HasPrefix(addr, whatsappPrefix) {
		return addr
	}
	return whatsappPrefix + addr
}

// ValidateSignature reports whether signature is Twilio's X-Twilio-Signature
// for a POST to fullURL carrying params.
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	validator := client.NewRequestValidator(authToken)
	return validator.Validate(fullURL, flat, signature)
}

// Sender delivers a text to a patient and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// TwilioConfig configures a TwilioSender.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
}

// messageAPI is the slice of the Twilio REST client the sender uses.
type messageAPI interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioSender posts messages through the Twilio Messages API.
type TwilioSender struct {
	cfg TwilioConfig
	api messageAPI
}

// NewTwilioSender builds a sender.  Every request is bounded by cfg.Timeout.
func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	rest.SetTimeout(cfg.Timeout)
	return &TwilioSender{cfg: cfg, api: rest.Api}
}

// Send implements Sender.  The Twilio client has no context support, so a
// cancelled ctx abandons the call; the client timeout still bounds it.
func (s *TwilioSender) Send(ctx context.Context, to, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(withPrefix(s.cfg.From))
	params.SetTo(withPrefix(to))
	params.SetBody(text)

	type result struct {
		msg *twilioapi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.api.CreateMessage(params)
		done <- result{msg: msg, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		var rest *client.TwilioRestError
		if errors.As(r.err, &rest) {
			return "", fmt.Errorf("%w: status %d: %s", ErrSendFailed, rest.Status, rest.Message)
		}
		return "", fmt.Errorf("%w: %v", ErrSendFailed, r.err)
	}
	if r.msg == nil || r.msg.Sid == nil {
		return "", nil
	}
	return *r.msg.Sid, nil
}

// LogSender writes outbound messages to the log instead of sending them.
// It stands in for Twilio when no credentials are configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender builds a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, to, text string) (string, error) {
	s.logger.Info("outbound message (not sent, no channel credentials)", "to", to, "text", text)
	return "", nil
}
