package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// DeepgramURL is the live STT endpoint audio is relayed to.
const DeepgramURL = "wss://api.deepgram.com/v1/listen"

// Defaults for the pass-through listen options. Values are validated by
// Deepgram, not locally.
const (
	DefaultModel       = "nova-3"
	DefaultLanguage    = "en"
	DefaultEncoding    = "linear16"
	DefaultSampleRate  = "16000"
	DefaultChannels    = "1"
	DefaultSmartFormat = "true"
)

const dialAttempts = 3

// Dialer abstracts the outbound WebSocket dial so tests can substitute a
// fake upstream.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ListenOptions are the upstream request parameters, passed through from the
// client's query string unchanged.
type ListenOptions struct {
	Model       string
	Language    string
	Encoding    string
	SampleRate  string
	Channels    string
	SmartFormat string
}

// ListenOptionsFromQuery builds ListenOptions from a client query string,
// applying the documented defaults for absent parameters.
func ListenOptionsFromQuery(query url.Values) ListenOptions {
	get := func(key, fallback string) string {
		if v := query.Get(key); v != "" {
			return v
		}
		return fallback
	}
	return ListenOptions{
		Model:       get("model", DefaultModel),
		Language:    get("language", DefaultLanguage),
		Encoding:    get("encoding", DefaultEncoding),
		SampleRate:  get("sample_rate", DefaultSampleRate),
		Channels:    get("channels", DefaultChannels),
		SmartFormat: get("smart_format", DefaultSmartFormat),
	}
}

// URL renders the upstream endpoint with the listen options applied.
func (o ListenOptions) URL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing upstream URL: %w", err)
	}
	q := u.Query()
	q.Set("model", o.Model)
	q.Set("language", o.Language)
	q.Set("encoding", o.Encoding)
	q.Set("sample_rate", o.SampleRate)
	q.Set("channels", o.Channels)
	q.Set("smart_format", o.SmartFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Upstream dials the Deepgram live endpoint.
type Upstream struct {
	Dialer  Dialer
	BaseURL string
	APIKey  string
}

// Connect establishes the upstream connection for one session, retrying
// transient dial failures with exponential backoff.
func (u *Upstream) Connect(opts ListenOptions) (*websocket.Conn, error) {
	urlStr, err := opts.URL(u.BaseURL)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+u.APIKey)

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(b.Duration())
		}
		conn, resp, err := u.Dialer.Dial(urlStr, headers)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil {
			lastErr = fmt.Errorf("%w (status %s)", err, resp.Status)
			if resp.Body != nil {
				resp.Body.Close()
			}
			// Auth failures won't heal with retries.
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				break
			}
		}
	}
	return nil, fmt.Errorf("connecting to upstream: %w", lastErr)
}
