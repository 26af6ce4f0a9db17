package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

func TestParseTwilioForm(t *testing.T) {
	in, err := ParseTwilioForm(url.Values{
		"From":        {"whatsapp:+15550001"},
		"Body":        {"  I have a headache \n"},
		"MessageSid":  {"SM123"},
		"ProfileName": {"Ada"},
		"NumMedia":    {"2"},
		"MediaUrl0":   {"https://m/0"},
		"MediaUrl1":   {"https://m/1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "+15550001", in.From)
	assert.Equal(t, "I have a headache", in.Text)
	assert.Equal(t, "SM123", in.CorrelationID)
	assert.Equal(t, "Ada", in.ProfileName)
	assert.Equal(t, []string{"https://m/0", "https://m/1"}, in.MediaURLs)

	_, err = ParseTwilioForm(url.Values{"Body": {"hi"}})
	assert.ErrorIs(t, err, ErrMissingSender)
}

// sign computes an X-Twilio-Signature the way Twilio does.
func sign(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	// example from Twilio's webhook security documentation
	token := "12345"
	u := "https://mycompany.com/myapp.php?foo=1&bar=2"
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	sig := sign(token, u, params)
	assert.Equal(t, "0/KCTR6DLpKmkAf8muzZqo1nDgQ=", sig)

	assert.True(t, ValidateSignature(token, u, params, sig))
	assert.False(t, ValidateSignature(token, u, params, "bogus"))
	assert.False(t, ValidateSignature(token, u, params, ""))
	assert.False(t, ValidateSignature("", u, params, sig))
	assert.False(t, ValidateSignature("other", u, params, sig))

	params.Set("Digits", "9999")
	assert.False(t, ValidateSignature(token, u, params, sig))
}

type fakeMessages struct {
	mu    sync.Mutex
	got   []*twilioapi.CreateMessageParams
	sid   string
	err   error
	stall chan struct{}
}

func (f *fakeMessages) CreateMessage(p *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	f.mu.Lock()
	f.got = append(f.got, p)
	f.mu.Unlock()
	if f.stall != nil {
		<-f.stall
	}
	if f.err != nil {
		return nil, f.err
	}
	sid := f.sid
	return &twilioapi.ApiV2010Message{Sid: &sid}, nil
}

func newSender(api messageAPI, timeout time.Duration) *TwilioSender {
	return &TwilioSender{cfg: TwilioConfig{AccountSID: "AC1", AuthToken: "secret", From: "+100", Timeout: timeout}, api: api}
}

func TestTwilioSender_Send(t *testing.T) {
	api := &fakeMessages{sid: "SM42"}
	sid, err := newSender(api, time.Second).Send(context.Background(), "+15550001", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM42", sid)

	require.Len(t, api.got, 1)
	p := api.got[0]
	assert.Equal(t, "whatsapp:+100", *p.From)
	assert.Equal(t, "whatsapp:+15550001", *p.To)
	assert.Equal(t, "hello", *p.Body)
}

func TestTwilioSender_ProviderError(t *testing.T) {
	api := &fakeMessages{err: &client.TwilioRestError{Status: 400, Code: 21211, Message: "Invalid 'To' Phone Number"}}
	_, err := newSender(api, time.Second).Send(context.Background(), "nope", "hello")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorContains(t, err, "Invalid 'To' Phone Number")

	api = &fakeMessages{err: errors.New("dial tcp: connection refused")}
	_, err = newSender(api, time.Second).Send(context.Background(), "+1", "hello")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorContains(t, err, "connection refused")
}

func TestTwilioSender_Timeout(t *testing.T) {
	api := &fakeMessages{stall: make(chan struct{})}
	defer close(api.stall)

	start := time.Now()
	_, err := newSender(api, 50*time.Millisecond).Send(context.Background(), "+1", "hello")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorContains(t, err, context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewTwilioSender(t *testing.T) {
	s := NewTwilioSender(TwilioConfig{AccountSID: "AC1", AuthToken: "secret", From: "+100"})
	assert.Equal(t, 10*time.Second, s.cfg.Timeout)
	assert.NotNil(t, s.api)
}

func TestLogSender(t *testing.T) {
	sid, err := NewLogSender(nil).Send(context.Background(), "+1", "hello")
	assert.NoError(t, err)
	assert.Empty(t, sid)
}
