package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Multipart part names
const (
	PartClientAudio     = "client_audio"
	PartCommercialAudio = "commercial_audio"
)

// maxErrorBody bounds the response text kept in server errors
const maxErrorBody = 512

// Client submits segments to the analysis backend
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // limits concurrent requests across sessions

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains backend client configuration
type Config struct {
	BackendURL    string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	UserAgent     string
}

// Segment is one encoded snapshot ready for submission
type Segment struct {
	ID         string
	SessionID  string
	Client     []byte // PCM16 LE
	Commercial []byte // PCM16 LE
	SampleRate int
	Attempt    int // 1-indexed
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new backend HTTP client
func NewClient(config Config) (*Client, error) {
	if config.BackendURL == "" {
		return nil, fmt.Errorf("backend URL cannot be empty")
	}
	if _, err := url.Parse(config.BackendURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	config.BackendURL = strings.TrimRight(config.BackendURL, "/")

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}

	if config.UserAgent == "" {
		config.UserAgent = "Duplex-Coach-Service/1.0"
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Submit performs one delivery attempt of a segment. Cancellation of ctx is
// returned as ctx.Err(); every other failure is an *Error.
func (c *Client) Submit(ctx context.Context, seg *Segment) (Result, error) {
	if len(seg.Client) != len(seg.Commercial) {
		return nil, fmt.Errorf("segment %s: channel size mismatch: client=%d commercial=%d",
			seg.ID, len(seg.Client), len(seg.Commercial))
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	body, contentType, err := createMultipartBody(seg)
	if err != nil {
		c.incrementFailedRequests()
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/audio/%s", c.config.BackendURL, url.PathEscape(seg.SessionID))
	respBody, err := c.do(ctx, http.MethodPost, endpoint, body, contentType, func(req *http.Request) {
		req.Header.Set("X-Segment-ID", seg.ID)
		req.Header.Set("X-Sample-Rate", strconv.Itoa(seg.SampleRate))
		req.Header.Set("X-Attempt", strconv.Itoa(seg.Attempt))
	})
	if err != nil {
		c.incrementFailedRequests()
		return nil, err
	}

	result, err := ParseResult(respBody)
	if err != nil {
		c.incrementFailedRequests()
		return nil, &Error{Kind: KindServer, Message: "invalid response body", Err: err}
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))
	return result, nil
}

// StartSession asks the backend for a new session id
func (c *Client) StartSession(ctx context.Context) (string, error) {
	respBody, err := c.do(ctx, http.MethodPost, c.config.BackendURL+"/session/start", nil, "", nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &Error{Kind: KindServer, Message: "invalid session start response", Err: err}
	}
	if resp.SessionID == "" {
		return "", &Error{Kind: KindServer, Message: "session start response without session_id"}
	}
	return resp.SessionID, nil
}

// EndSession tells the backend the session is over
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("%s/session/%s/end", c.config.BackendURL, url.PathEscape(sessionID))
	_, err := c.do(ctx, http.MethodPost, endpoint, nil, "", nil)
	return err
}

// SessionState fetches the backend's view of a session
func (c *Client) SessionState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/session/%s/state", c.config.BackendURL, url.PathEscape(sessionID))
	respBody, err := c.do(ctx, http.MethodGet, endpoint, nil, "", nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(respBody) {
		return nil, &Error{Kind: KindServer, Message: "session state response is not JSON"}
	}
	return json.RawMessage(respBody), nil
}

// do performs a single HTTP request bounded by the configured timeout
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, decorate func(*http.Request)) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if decorate != nil {
		decorate(httpReq)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(respBody)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &Error{Kind: KindServer, StatusCode: resp.StatusCode, Message: text}
	}

	return respBody, nil
}

// createMultipartBody writes both channels as binary parts
func createMultipartBody(seg *Segment) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	parts := []struct {
		name string
		data []byte
	}{
		{PartClientAudio, seg.Client},
		{PartCommercialAudio, seg.Commercial},
	}

	for _, part := range parts {
		fileWriter, err := writer.CreateFormFile(part.name, fmt.Sprintf("%s_%s.pcm", seg.ID, part.name))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file %s: %w", part.name, err)
		}
		if _, err := fileWriter.Write(part.data); err != nil {
			return nil, "", fmt.Errorf("failed to write %s: %w", part.name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
