package customresource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/rs/zerolog"
)

const defaultSendTimeout = 30 * time.Second

// Response is the JSON document PUT to the callback URL.
type Response struct {
	Status             cfn.StatusType `json:"Status"`
	Reason             string         `json:"Reason"`
	PhysicalResourceID string         `json:"PhysicalResourceId"`
	StackID            string         `json:"StackId"`
	RequestID          string         `json:"RequestId"`
	LogicalResourceID  string         `json:"LogicalResourceId"`
	NoEcho             bool           `json:"NoEcho,omitempty"`
	Data               map[string]any `json:"Data"`
}

// NewResponse combines the event's correlation ids with an outcome.
func NewResponse(e cfn.Event, o Outcome) Response {
	data := o.Data
	if data == nil {
		data = map[string]any{}
	}
	return Response{
		Status:             o.Status,
		Reason:             o.Reason,
		PhysicalResourceID: o.PhysicalResourceID,
		StackID:            e.StackID,
		RequestID:          e.RequestID,
		LogicalResourceID:  e.LogicalResourceID,
		Data:               data,
	}
}

// TransportError reports that no HTTP response was received from the callback URL.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver response to %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPDoer sends a request. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Responder delivers responses with a single PUT and never retries.
type Responder struct {
	client  HTTPDoer
	logger  zerolog.Logger
	timeout time.Duration
}

// NewResponder creates a Responder. A nil client uses http.DefaultClient.
func NewResponder(client HTTPDoer, logger zerolog.Logger) *Responder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Responder{client: client, logger: logger, timeout: defaultSendTimeout}
}

// Send PUTs resp to responseURL. Any HTTP response counts as delivered and its status
// code is returned; only transport failures produce a *TransportError.
func (r *Responder) Send(ctx context.Context, responseURL string, resp Response) (int, error) {
	target := redact(responseURL)
	if responseURL == "" {
		return 0, &TransportError{URL: target, Err: errors.New("empty response url")}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return 0, fmt.Errorf("marshal response: %w", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, responseURL, bytes.NewReader(body))
	if err != nil {
		return 0, &TransportError{URL: target, Err: err}
	}
	// The pre-signed callback URL is signed without a content type.
	req.Header["Content-Type"] = []string{""}

	logger := r.logger.With().
		Str("status", string(resp.Status)).
		Str("physical_resource_id", resp.PhysicalResourceID).
		Str("url", target).
		Logger()
	logger.Info().Str("reason", resp.Reason).Msg("sending response")

	res, err := r.client.Do(req)
	if err != nil {
		// *url.Error repeats the signed URL.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		logger.Error().Err(err).Msg("response delivery failed")
		return 0, &TransportError{URL: target, Err: err}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	logger.Info().Int("status_code", res.StatusCode).Msg("response delivered")
	return res.StatusCode, nil
}

// redact drops the query string, which carries the pre-signed credentials.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
