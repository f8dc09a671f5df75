// Package api is the client for the remote pothole backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL        = "https://api.potholesystem.tech"
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 512
)

// Tokens are the credentials returned by a successful login.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// UploadRequest is the metadata and image for one pothole report.
type UploadRequest struct {
	Image      []byte
	Latitude   float64
	Longitude  float64
	Confidence float32
	VehicleID  string
	Timestamp  int64 // epoch millis
}

// UploadResponse is what the backend reports about an accepted upload.
type UploadResponse struct {
	ID                string `json:"id"`
	IsDuplicate       bool   `json:"isDuplicate"`
	ExistingID        string `json:"existingId,omitempty"`
	ConfirmationCount int    `json:"confirmationCount,omitempty"`
	Status            string `json:"status,omitempty"`
	Severity          string `json:"severity,omitempty"`
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient builds a client with a short connect timeout and a longer
// overall request timeout.
func NewClient(baseURL string, connectTimeout, requestTimeout time.Duration, opts ...Option) *Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout

	c := &Client{
		baseURL: NormalizeBaseURL(baseURL),
		http:    &http.Client{Transport: transport, Timeout: requestTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeBaseURL trims whitespace and trailing slashes and defaults to https.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return DefaultBaseURL
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// BaseURL returns the normalized endpoint root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges email and password for tokens.
func (c *Client) Login(ctx context.Context, email, password string) (Tokens, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(payload))
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "login")
	if err != nil {
		return Tokens{}, err
	}

	result := gjson.ParseBytes(body)
	tokens := Tokens{
		AccessToken:  result.Get("tokens.access_token").String(),
		RefreshToken: result.Get("tokens.refresh_token").String(),
	}
	if tokens.AccessToken == "" {
		return Tokens{}, fmt.Errorf("login response carries no access token")
	}
	return tokens, nil
}

// UploadPothole sends one report as multipart form data.
func (c *Client) UploadPothole(ctx context.Context, accessToken string, r UploadRequest) (UploadResponse, error) {
	if len(r.Image) == 0 {
		return UploadResponse{}, fmt.Errorf("%w: empty image", ErrMalformedRequest)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="pothole_%d.jpg"`, c.now().UnixMilli()))
	header.Set("Content-Type", "image/jpeg")
	part, err := form.CreatePart(header)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if _, err := part.Write(r.Image); err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	fields := []struct{ name, value string }{
		{"latitude", strconv.FormatFloat(r.Latitude, 'f', -1, 64)},
		{"longitude", strconv.FormatFloat(r.Longitude, 'f', -1, 64)},
		{"confidence", strconv.FormatFloat(float64(r.Confidence), 'f', -1, 32)},
		{"vehicleId", r.VehicleID},
		{"timestamp", strconv.FormatInt(r.Timestamp, 10)},
	}
	for _, f := range fields {
		if err := form.WriteField(f.name, f.value); err != nil {
			return UploadResponse{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
	}
	if err := form.Close(); err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/potholes", &buf)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	body, err := c.do(req, "upload")
	if err != nil {
		return UploadResponse{}, err
	}

	var resp UploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Raport został przyjęty, nawet jeśli odpowiedź jest nieczytelna
		return UploadResponse{ID: gjson.GetBytes(body, "id").String()}, nil
	}
	return resp, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}
