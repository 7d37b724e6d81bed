package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:8000"

// Client provides typed access to the FarmEye API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Unauthorized reports whether the API rejected the credentials.
func (e APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	resp, err := c.send(ctx, method, path, reader, contentType, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the request and converts error statuses into APIError. The
// caller owns the returned body.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType, token string) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return resp, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// TokenPair is the token payload emitted by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// User reflects API profile payloads.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterInput is the signup payload.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Registration is the signup response: the new profile plus its tokens.
type Registration struct {
	User
	TokenPair
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, input RegisterInput) (Registration, error) {
	var resp Registration
	if err := c.do(ctx, http.MethodPost, "/auth/register", input, "", &resp); err != nil {
		return Registration{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (TokenPair, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var resp TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/login/json", body, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp, nil
}

// Refresh rotates a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp TokenPair
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp, nil
}

// Logout revokes a refresh token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": refreshToken}, "", nil)
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, token, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Diagnosis mirrors a stored analysis.
type Diagnosis struct {
	ID                   int64           `json:"id"`
	Result               string          `json:"result"`
	Prediction           string          `json:"prediction"`
	Confidence           float64         `json:"confidence"`
	Recommendation       string          `json:"recommendation"`
	RecommendationSource string          `json:"recommendation_source"`
	Filename             string          `json:"filename"`
	Symptoms             []string        `json:"symptoms"`
	Metadata             json.RawMessage `json:"metadata"`
	Timestamp            time.Time       `json:"timestamp"`
}

// ScanInput is an image upload with optional symptoms.
type ScanInput struct {
	Filename string
	Image    io.Reader
	Symptoms []string
}

// Scan uploads an image for diagnosis.
func (c *Client) Scan(ctx context.Context, token string, input ScanInput) (Diagnosis, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if len(input.Symptoms) > 0 {
		encoded, err := json.Marshal(input.Symptoms)
		if err != nil {
			return Diagnosis{}, fmt.Errorf("encode symptoms: %w", err)
		}
		if err := mw.WriteField("symptoms", string(encoded)); err != nil {
			return Diagnosis{}, err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(input.Filename))
	if err != nil {
		return Diagnosis{}, err
	}
	if _, err := io.Copy(part, input.Image); err != nil {
		return Diagnosis{}, fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Diagnosis{}, err
	}

	resp, err := c.send(ctx, http.MethodPost, "/api/scan", &buf, mw.FormDataContentType(), token)
	if err != nil {
		return Diagnosis{}, err
	}
	defer resp.Body.Close()
	var d Diagnosis
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Diagnosis{}, fmt.Errorf("decode response: %w", err)
	}
	return d, nil
}

// ListOptions filters a history listing. Zero values are omitted.
type ListOptions struct {
	Page    int
	Limit   int
	Result  string
	Symptom string
	From    string
	To      string
}

// AnalysisPage is one page of history.
type AnalysisPage struct {
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
	Items      []Diagnosis `json:"items"`
}

// ListAnalyses returns a page of the caller's history.
func (c *Client) ListAnalyses(ctx context.Context, token string, opts ListOptions) (AnalysisPage, error) {
	query := url.Values{}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	for key, value := range map[string]string{"result": opts.Result, "symptom": opts.Symptom, "from": opts.From, "to": opts.To} {
		if strings.TrimSpace(value) != "" {
			query.Set(key, strings.TrimSpace(value))
		}
	}
	path := "/api/analyses"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page AnalysisPage
	if err := c.do(ctx, http.MethodGet, path, nil, token, &page); err != nil {
		return AnalysisPage{}, err
	}
	return page, nil
}

// DeleteAnalysis removes one diagnosis.
func (c *Client) DeleteAnalysis(ctx context.Context, token string, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/analyses/%d", id), nil, token, nil)
}

// DownloadPDF streams the report of a diagnosis into w.
func (c *Client) DownloadPDF(ctx context.Context, token string, id int64, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, fmt.Sprintf("/api/analyses/%d/pdf", id), nil, "", token)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// SymptomCount is one entry of a frequency table.
type SymptomCount struct {
	Symptom string `json:"symptom"`
	Count   int    `json:"count"`
}

// Stats summarises a user's history.
type Stats struct {
	Total            int            `json:"total"`
	Healthy          int            `json:"healthy"`
	Suspected        int            `json:"suspected"`
	Unknown          int            `json:"unknown"`
	ByResult         map[string]int `json:"by_result"`
	BySeverity       map[string]int `json:"by_severity"`
	SymptomFrequency []SymptomCount `json:"symptom_frequency"`
	Recommendations  []string       `json:"recommendations"`
}

// Stats fetches history statistics.
func (c *Client) Stats(ctx context.Context, token string) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, token, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
