// Package testutil provides HTTP client, admin client and websocket helpers
// for exercising the Direct Line twin in tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TwinClient is an HTTP client for interacting with a running twin in tests.
type TwinClient struct {
	BaseURL    string
	HTTPClient *http.Client
	headers    map[string]string
	t          *testing.T
}

// NewTwinClient creates a client pointed at a test server.
func NewTwinClient(t *testing.T, server *httptest.Server) *TwinClient {
	return &TwinClient{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		t:          t,
	}
}

// NewTwinClientURL creates a client pointed at a specific URL.
func NewTwinClientURL(t *testing.T, baseURL string) *TwinClient {
	return &TwinClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		t:          t,
	}
}

// WithBearer returns a copy of the client that sends token as a Bearer
// Authorization header on every request.
func (c *TwinClient) WithBearer(token string) *TwinClient {
	cp := *c
	cp.headers = map[string]string{"Authorization": "Bearer " + token}
	return &cp
}

// Response wraps an HTTP response with helper methods.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) {
	r.t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		r.t.Fatalf("failed to unmarshal response: %v\nbody: %s", err, string(r.Body))
	}
}

// JSONMap returns the response body as a map.
func (r *Response) JSONMap() map[string]any {
	r.t.Helper()
	var m map[string]any
	r.JSON(&m)
	return m
}

// AssertStatus asserts the response has the expected status code.
func (r *Response) AssertStatus(expected int) *Response {
	r.t.Helper()
	if r.StatusCode != expected {
		r.t.Errorf("expected status %d, got %d\nbody: %s", expected, r.StatusCode, string(r.Body))
	}
	return r
}

// AssertBodyContains asserts the response body contains the given substring.
func (r *Response) AssertBodyContains(substr string) *Response {
	r.t.Helper()
	if !strings.Contains(string(r.Body), substr) {
		r.t.Errorf("expected body to contain %q, got: %s", substr, string(r.Body))
	}
	return r
}

// AssertErrorCode asserts the body is an error envelope carrying code.
func (r *Response) AssertErrorCode(code string) *Response {
	r.t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &env); err != nil || env.Error.Code != code {
		r.t.Errorf("expected error code %q, got: %s", code, string(r.Body))
	}
	return r
}

// Get performs a GET request.
func (c *TwinClient) Get(path string) *Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, nil)
}

// Post performs a POST request with a JSON body.
func (c *TwinClient) Post(path string, body any) *Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, nil)
}

// Put performs a PUT request with a JSON body.
func (c *TwinClient) Put(path string, body any) *Response {
	c.t.Helper()
	return c.do(http.MethodPut, path, body, nil)
}

// PostForm performs a POST request with form-encoded body.
func (c *TwinClient) PostForm(path string, values map[string]string) *Response {
	c.t.Helper()
	form := url.Values{}
	for k, v := range values {
		form.Set(k, v)
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doReq(req)
}

// Part is one file of a multipart upload.
type Part struct {
	Field       string
	FileName    string
	ContentType string
	Data        []byte
}

// PostMultipart performs a POST request with a multipart/form-data body
// built from parts.
func (c *TwinClient) PostMultipart(path string, parts ...Part) *Response {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disposition := `form-data; name="` + p.Field + `"`
		if p.FileName != "" {
			disposition += `; filename="` + p.FileName + `"`
		}
		h.Set("Content-Disposition", disposition)
		if p.ContentType != "" {
			h.Set("Content-Type", p.ContentType)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			c.t.Fatalf("failed to create part: %v", err)
		}
		w.Write(p.Data)
	}
	if err := mw.Close(); err != nil {
		c.t.Fatalf("failed to close multipart body: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doReq(req)
}

// Patch performs a PATCH request with a JSON body.
func (c *TwinClient) Patch(path string, body any) *Response {
	c.t.Helper()
	return c.do(http.MethodPatch, path, body, nil)
}

// Delete performs a DELETE request.
func (c *TwinClient) Delete(path string) *Response {
	c.t.Helper()
	return c.do(http.MethodDelete, path, nil, nil)
}

// DoWithHeaders performs a request with custom headers.
func (c *TwinClient) DoWithHeaders(method, path string, body any, headers map[string]string) *Response {
	c.t.Helper()
	return c.do(method, path, body, headers)
}

func (c *TwinClient) do(method, path string, body any, headers map[string]string) *Response {
	c.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doReq(req)
}

func (c *TwinClient) doReq(req *http.Request) *Response {
	c.t.Helper()
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
		t:          c.t,
	}
}

// AdminClient provides convenience methods for the /admin/* control plane.
type AdminClient struct {
	*TwinClient
}

// NewAdminClient creates an admin client from a twin client.
func NewAdminClient(tc *TwinClient) *AdminClient {
	return &AdminClient{tc}
}

// Reset calls POST /admin/reset.
func (ac *AdminClient) Reset() *Response {
	ac.t.Helper()
	return ac.Post("/admin/reset", nil)
}

// GetState calls GET /admin/state.
func (ac *AdminClient) GetState() *Response {
	ac.t.Helper()
	return ac.Get("/admin/state")
}

// GetRequests calls GET /admin/requests.
func (ac *AdminClient) GetRequests() *Response {
	ac.t.Helper()
	return ac.Get("/admin/requests")
}

// AdvanceTime calls POST /admin/time/advance.
func (ac *AdminClient) AdvanceTime(duration string) *Response {
	ac.t.Helper()
	return ac.Post("/admin/time/advance", map[string]string{"duration": duration})
}

// GetTime calls GET /admin/time.
func (ac *AdminClient) GetTime() *Response {
	ac.t.Helper()
	return ac.Get("/admin/time")
}

// Health calls GET /admin/health.
func (ac *AdminClient) Health() *Response {
	ac.t.Helper()
	return ac.Get("/admin/health")
}

// Socket is a websocket client connected to a twin's realtime listener.
type Socket struct {
	Conn *websocket.Conn
	t    *testing.T
}

// DialSocket opens a websocket to path on server. The connection is closed
// when the test ends.
func DialSocket(t *testing.T, server *httptest.Server, path string) *Socket {
	t.Helper()
	u := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("websocket dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Socket{Conn: conn, t: t}
}

// ReadJSON reads the next message into v, failing the test after timeout.
func (s *Socket) ReadJSON(v any, timeout time.Duration) {
	s.t.Helper()
	if err := s.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		s.t.Fatalf("set read deadline: %v", err)
	}
	if err := s.Conn.ReadJSON(v); err != nil {
		s.t.Fatalf("websocket read: %v", err)
	}
}
