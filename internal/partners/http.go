package partners

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// HTTPConfig configures the HTTP partner.
type HTTPConfig struct {
	MaxResponseBody int64         `json:"max_response_body"`
	Timeout         time.Duration `json:"timeout"`
	Auth            *HTTPAuth     `json:"auth,omitempty"`
}

// HTTPAuth holds credentials applied to every request.
type HTTPAuth struct {
	Type        string `json:"type"` // bearer, basic or api_key
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	HeaderName  string `json:"header_name,omitempty"`
	HeaderValue string `json:"header_value,omitempty"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second

	// SessionHeader carries session ids in both directions.
	SessionHeader = "X-Bpel-Session"
)

// httpEnvelope is the JSON body of a partner response. Fault is set when the
// partner raised a business fault.
type httpEnvelope struct {
	Message schema.Message `json:"message,omitempty"`
	Fault   string         `json:"fault,omitempty"`
}

// HTTPPartner POSTs the request message as JSON to {address}/{operation}.
type HTTPPartner struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPPartner creates an HTTP partner.
func NewHTTPPartner(cfg HTTPConfig) *HTTPPartner {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPPartner{
		config: cfg,
		client: &http.Client{Transport: transport},
	}
}

// Invoke sends the request. A 2xx answer carries the output message; a
// non-2xx answer whose body names a fault is a business fault; anything else
// is a communication failure.
func (p *HTTPPartner) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if req.Endpoint == nil || req.Endpoint.Address == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http partner: no address for partner link %q", req.PartnerLink)
	}
	target, err := operationURL(req.Endpoint.Address, req.Operation)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req.Message)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http partner: failed to marshal message").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http partner: failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.SessionID != "" {
		httpReq.Header.Set(SessionHeader, req.SessionID)
	}
	if req.Endpoint.SessionID != "" {
		httpReq.Header.Set(SessionHeader+"-Target", req.Endpoint.SessionID)
	}
	p.applyAuth(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		code := schema.ErrCodeExecution
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "http partner: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http partner: failed to read response body").WithCause(err)
	}

	var env httpEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil && resp.StatusCode < 300 {
			return nil, schema.NewError(schema.ErrCodeExecution, "http partner: response is not JSON").WithCause(err)
		}
	}

	out := &Response{Message: env.Message, SessionID: resp.Header.Get(SessionHeader)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out, nil
	case env.Fault != "":
		out.Fault = env.Fault
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http partner: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"url":         target,
			})
	}
}

func (p *HTTPPartner) applyAuth(req *http.Request) {
	auth := p.config.Auth
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}

func operationURL(address, operation string) (string, error) {
	u, err := url.ParseRequestURI(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "http partner: invalid address %q", address)
	}
	return strings.TrimSuffix(u.String(), "/") + "/" + url.PathEscape(operation), nil
}

// IsHTTPAddress reports whether address can be served by HTTPPartner.
func IsHTTPAddress(address string) bool {
	return strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://")
}
