// Package endpoint models a bot's callback URL and credentials, and performs
// authenticated outbound calls to it.
package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// TokenRefreshMargin is how long before expiry a cached token stops being reused.
const TokenRefreshMargin = 5 * time.Minute

// AuthFailureMessage is reported for any failure to reach an authenticated bot.
const AuthFailureMessage = "the bot's application id or secret is incorrect"

const maxDeliveries = 100

// Channel services a bot can be registered against.
const (
	ChannelServicePublic     = "public"
	ChannelServiceGovernment = "azureusgovernment"
)

// Response is the outcome of a call to the bot. Failures to reach the bot
// are reported here too, as 401 results with Message set, never as errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Message    string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Delivery records one outbound attempt for inspection.
type Delivery struct {
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Attempt    int       `json:"attempt"`
	Forced     bool      `json:"forced_refresh"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Info is the externally visible description of an endpoint; it never
// includes the secret.
type Info struct {
	ID             string `json:"id"`
	BotID          string `json:"botId,omitempty"`
	BotURL         string `json:"botUrl"`
	AppID          string `json:"appId,omitempty"`
	ChannelService string `json:"channelService"`
	HasCredentials bool   `json:"hasCredentials"`
}

// Endpoint is one registered bot callback.
type Endpoint struct {
	ID             string
	BotID          string
	BotURL         string
	AppID          string
	AppPassword    string
	ChannelService string

	tokenURL string
	client   *http.Client
	clock    *store.Clock
	logger   *slog.Logger

	// mu serializes token refresh with the cache write.
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	dmu        sync.Mutex
	deliveries []Delivery
}

// Info describes the endpoint without credentials.
func (e *Endpoint) Info() Info {
	return Info{
		ID:             e.ID,
		BotID:          e.BotID,
		BotURL:         e.BotURL,
		AppID:          e.AppID,
		ChannelService: e.ChannelService,
		HasCredentials: e.AppID != "",
	}
}

// AcquireToken returns a bearer token for calls to the bot. A cached token
// is reused until it is within TokenRefreshMargin of expiry, unless force is
// set. Grant failures are apierror ServiceErrors carrying the upstream
// status and body.
func (e *Endpoint) AcquireToken(ctx context.Context, force bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if !force && e.token != "" && (e.expiresAt.IsZero() || now.Before(e.expiresAt.Add(-TokenRefreshMargin))) {
		return e.token, nil
	}

	cc := clientcredentials.Config{
		ClientID:     e.AppID,
		ClientSecret: e.AppPassword,
		TokenURL:     e.tokenURL,
		Scopes:       []string{e.AppID + "/.default"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, e.client))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", apierror.Service(re.Response.StatusCode, "token request was rejected", re.Body, err)
		}
		return "", apierror.Service(http.StatusInternalServerError, "token request failed", nil, err)
	}

	e.token = tok.AccessToken
	e.expiresAt = time.Time{}
	if !tok.Expiry.IsZero() {
		e.expiresAt = now.Add(time.Until(tok.Expiry))
	}
	e.logger.Debug("acquired bot access token", "endpoint_id", e.ID, "expires_at", e.expiresAt)
	return e.token, nil
}

// Call is an outbound request to the bot.
type Call struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Post sends body as JSON to the bot's callback URL.
func (e *Endpoint) Post(ctx context.Context, body []byte) *Response {
	return e.CallWithAuth(ctx, Call{
		Method: http.MethodPost,
		URL:    e.BotURL,
		Body:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
}

// CallWithAuth performs c with a bearer token when the endpoint has an app
// id. A 401 or 403 from the bot triggers exactly one retry with a freshly
// granted token.
func (e *Endpoint) CallWithAuth(ctx context.Context, c Call) *Response {
	return e.call(ctx, c, false, 1)
}

func (e *Endpoint) call(ctx context.Context, c Call, forceRefresh bool, attempt int) *Response {
	header := c.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if e.AppID != "" {
		token, err := e.AcquireToken(ctx, forceRefresh)
		if err != nil {
			return e.failure(c, attempt, forceRefresh, err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, bytes.NewReader(c.Body))
	if err != nil {
		return e.failure(c, attempt, forceRefresh, err)
	}
	req.Header = header

	resp, err := e.client.Do(req)
	if err != nil {
		return e.failure(c, attempt, forceRefresh, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return e.failure(c, attempt, forceRefresh, err)
	}
	e.record(Delivery{URL: c.URL, StatusCode: resp.StatusCode, Attempt: attempt, Forced: forceRefresh})

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) &&
		!forceRefresh && e.AppID != "" {
		e.logger.Info("bot rejected token, retrying with a fresh one",
			"endpoint_id", e.ID, "status", resp.StatusCode)
		return e.call(ctx, c, true, attempt+1)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

func (e *Endpoint) failure(c Call, attempt int, forced bool, err error) *Response {
	body := []byte(err.Error())
	if ae, ok := apierror.As(err); ok && len(ae.Body) > 0 {
		body = ae.Body
	}
	e.record(Delivery{URL: c.URL, StatusCode: http.StatusUnauthorized, Attempt: attempt, Forced: forced, Error: err.Error()})
	e.logger.Warn("call to bot failed", "endpoint_id", e.ID, "url", c.URL, "err", err)
	return &Response{
		StatusCode: http.StatusUnauthorized,
		Body:       body,
		Message:    AuthFailureMessage,
	}
}

func (e *Endpoint) record(d Delivery) {
	d.Timestamp = e.clock.Now()
	e.dmu.Lock()
	defer e.dmu.Unlock()
	if len(e.deliveries) >= maxDeliveries {
		e.deliveries = e.deliveries[1:]
	}
	e.deliveries = append(e.deliveries, d)
}

// Deliveries returns the recent outbound attempts, oldest first.
func (e *Endpoint) Deliveries() []Delivery {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	out := make([]Delivery, len(e.deliveries))
	copy(out, e.deliveries)
	return out
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("endpoint %s (%s)", e.ID, e.BotURL)
}
