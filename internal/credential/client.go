package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/config"
	"github.com/breeze-rmm/bioauth/internal/httputil"
	"github.com/breeze-rmm/bioauth/internal/logging"
	"github.com/breeze-rmm/bioauth/internal/mtls"
	"github.com/breeze-rmm/bioauth/internal/sample"
	"github.com/breeze-rmm/bioauth/internal/secmem"
)

var log = logging.L("credential")

const (
	pathRegisterStart    = "/api/register/start"
	pathRegisterFace     = "/api/register/face"
	pathRegisterVoice    = "/api/register/voice"
	pathRegisterComplete = "/api/register/complete"
	pathVerifyFace       = "/api/authenticate/face"
	pathVerifyVoice      = "/api/authenticate/voice"

	// Upper bound on a response body; the service only sends short JSON.
	maxResponseBytes = 1 << 20
)

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL    string
	token      *secmem.SecureString
	httpClient *http.Client
}

var _ Service = (*Client)(nil)

// NewClient returns a client for baseURL. token may be nil. A nil
// httpClient uses httputil.NewClient with default settings.
func NewClient(baseURL string, token *secmem.SecureString, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient(0, nil)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// FromConfig builds a client from the server URL, API token, request
// timeout and mTLS files in cfg.
func FromConfig(cfg *config.Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server_url is not configured")
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server_url: %w", err)
	}
	tlsConfig, err := mtls.BuildTLSConfig(mtls.Files{
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
		CAFile:   cfg.TLSCAFile,
	})
	if err != nil {
		return nil, err
	}
	var token *secmem.SecureString
	if cfg.APIToken != "" {
		warnIfExpired(cfg.APIToken, time.Now())
		token = secmem.NewSecureString(cfg.APIToken)
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	return NewClient(cfg.ServerURL, token, httputil.NewClient(timeout, tlsConfig)), nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) StartEnrollment(ctx context.Context, identity string) (Response, error) {
	return c.postJSON(ctx, "credential.StartEnrollment", pathRegisterStart, identity)
}

func (c *Client) EnrollFace(ctx context.Context, identity string, s *sample.Sample) (Response, error) {
	return c.postSample(ctx, "credential.EnrollFace", pathRegisterFace, identity, s)
}

func (c *Client) EnrollVoice(ctx context.Context, identity string, s *sample.Sample) (Response, error) {
	return c.postSample(ctx, "credential.EnrollVoice", pathRegisterVoice, identity, s)
}

func (c *Client) FinishEnrollment(ctx context.Context, identity string) (Response, error) {
	return c.postJSON(ctx, "credential.FinishEnrollment", pathRegisterComplete, identity)
}

func (c *Client) VerifyFace(ctx context.Context, identity string, s *sample.Sample) (Response, error) {
	return c.postSample(ctx, "credential.VerifyFace", pathVerifyFace, identity, s)
}

func (c *Client) VerifyVoice(ctx context.Context, identity string, s *sample.Sample) (Response, error) {
	return c.postSample(ctx, "credential.VerifyVoice", pathVerifyVoice, identity, s)
}

// ServerInfo is the root endpoint's banner.
type ServerInfo struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// Ping fetches the service banner. Unlike the enrollment and verification
// calls it is idempotent and retries transient failures.
func (c *Client) Ping(ctx context.Context) (ServerInfo, error) {
	const op = "credential.Ping"
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, c.baseURL+"/", nil, c.authHeader(), httputil.ProbeRetryConfig())
	if err != nil {
		return ServerInfo{}, bioerr.Wrap(bioerr.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ServerInfo{}, bioerr.Wrap(bioerr.KindNetwork, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ServerInfo{}, statusError(op, c.baseURL+"/", resp.StatusCode, body)
	}
	var info ServerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return ServerInfo{}, &bioerr.Error{Kind: bioerr.KindNetwork, Op: op, Message: "malformed response", Err: err}
	}
	return info, nil
}

func (c *Client) postJSON(ctx context.Context, op, path, identity string) (Response, error) {
	body, err := json.Marshal(map[string]string{"username": identity})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	h := c.authHeader()
	h.Set("Content-Type", "application/json")
	return c.send(ctx, op, path, body, h)
}

// postSample uploads s as multipart form data. The payload is taken once
// and both it and the encoded body are zeroed before returning.
func (c *Client) postSample(ctx context.Context, op, path, identity string, s *sample.Sample) (Response, error) {
	if s == nil {
		return Response{}, bioerr.Validation(op, "no sample to upload")
	}
	data, release, err := s.Payload.Take()
	defer release()
	if err != nil {
		return Response{}, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "sample already uploaded", Err: err}
	}

	var buf bytes.Buffer
	contentType, err := writeMultipart(&buf, identity, s, data)
	release()
	defer clear(buf.Bytes())
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode upload: %w", err)
	}

	h := c.authHeader()
	h.Set("Content-Type", contentType)
	return c.send(ctx, op, path, buf.Bytes(), h)
}

func writeMultipart(buf *bytes.Buffer, identity string, s *sample.Sample, data []byte) (string, error) {
	w := multipart.NewWriter(buf)
	if err := w.WriteField("username", identity); err != nil {
		return "", err
	}

	field := "image"
	if s.Modality == sample.Audio {
		field = "audio"
	}
	part := make(textproto.MIMEHeader)
	part.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, sampleFilename(s)))
	part.Set("Content-Type", s.Encoding)
	pw, err := w.CreatePart(part)
	if err != nil {
		return "", err
	}
	if _, err := pw.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.FormDataContentType(), nil
}

// sampleFilename picks a filename from the sample's MIME type, e.g.
// "voice.webm" for "audio/webm;codecs=opus".
func sampleFilename(s *sample.Sample) string {
	if s.Modality == sample.Image {
		return "face.jpg"
	}
	mediaType, _, err := mime.ParseMediaType(s.Encoding)
	if err != nil {
		return "voice.bin"
	}
	switch mediaType {
	case "audio/webm":
		return "voice.webm"
	case "audio/ogg":
		return "voice.ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "voice.wav"
	case "audio/mp4":
		return "voice.m4a"
	}
	return "voice.bin"
}

func (c *Client) send(ctx context.Context, op, path string, body []byte, h http.Header) (Response, error) {
	endpoint := c.baseURL + path
	start := time.Now()

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, endpoint, body, h, httputil.NoRetry())
	if err != nil {
		return Response{}, &bioerr.Error{Kind: bioerr.KindNetwork, Op: op, Message: "credential service unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &bioerr.Error{Kind: bioerr.KindNetwork, Op: op, Message: "failed to read response", Err: err}
	}
	logging.FromContext(ctx, log).Debug("credential request finished", "path", path, "status", resp.StatusCode,
		logging.KeyDurationMs, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, statusError(op, endpoint, resp.StatusCode, raw)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &bioerr.Error{Kind: bioerr.KindNetwork, Op: op, Message: "malformed response", Err: err}
	}
	if !out.Success {
		return out, bioerr.Rejected(op, out.Message)
	}
	return out, nil
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if !c.token.Empty() {
		h.Set("Authorization", "Bearer "+c.token.Reveal())
	}
	return h
}

// statusError turns a non-2xx response into a Network error. FastAPI sends
// {"detail": "..."}; a detail that is not a string (validation errors) is
// ignored.
func statusError(op, endpoint string, status int, body []byte) error {
	se := &httputil.StatusError{StatusCode: status, URL: endpoint}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Detail) > 0 {
		var detail string
		if json.Unmarshal(payload.Detail, &detail) == nil {
			se.Detail = detail
		}
	}
	msg := se.Detail
	if msg == "" {
		msg = fmt.Sprintf("credential service returned %d %s", status, http.StatusText(status))
	}
	return &bioerr.Error{Kind: bioerr.KindNetwork, Op: op, Message: msg, Err: se}
}
