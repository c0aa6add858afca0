package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/consulta/pkg/errorsx"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/metrics"
	"github.com/harunnryd/consulta/pkg/resilience"
)

const (
	PathAnalyze      = "/analyze"
	PathAnalyzeAudio = "/analyze-audio"
	PathSaveVisit    = "/save-visit"
)

// Visit is the payload sent to the persistence endpoint.
type Visit struct {
	Result
	SessionID      string   `json:"session_id,omitempty"`
	AskedQuestions []string `json:"asked_questions,omitempty"`
}

// Receipt is the persistence endpoint response.
type Receipt struct {
	OK   bool   `json:"ok"`
	File string `json:"file"`
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	SaveRetry  resilience.RetryPolicy
	Logger     *slog.Logger
	Observer   metrics.Observer
}

// Client calls the analysis backend. Rate-limit responses feed a circuit
// breaker; while it is open calls fail fast.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryPolicy
	logger   *slog.Logger
	observer metrics.Observer
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	retry := cfg.SaveRetry
	if retry.Backoff <= 0 {
		retry = resilience.NewRetryPolicy(2, 300*time.Millisecond)
	}
	if retry.Retryable == nil {
		retry.Retryable = func(err error) bool { return !errors.Is(err, errNotRetryable) }
	}
	observer := cfg.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpClient,
		breaker:  breaker,
		retry:    retry,
		logger:   logging.NewComponentLogger(cfg.Logger, "analysis"),
		observer: observer,
	}
}

var errNotRetryable = errors.New("analysis: not retryable")

// Analyze posts req to the analysis endpoint.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeRequest)
	}
	return c.do(ctx, PathAnalyze, "application/json", bytes.NewReader(body))
}

// AnalyzeText routes text to the language channel it is written in.
func (c *Client) AnalyzeText(ctx context.Context, text string) (Result, error) {
	return c.Analyze(ctx, RequestFor(text))
}

// AnalyzeAudio uploads a recording as the multipart field "file".
func (c *Client) AnalyzeAudio(ctx context.Context, filename string, audio io.Reader) (Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeRequest)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeRequest)
	}
	if err := mw.Close(); err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeRequest)
	}
	return c.do(ctx, PathAnalyzeAudio, mw.FormDataContentType(), &buf)
}

// do reports every outcome past Allow to the breaker, so a failed half-open
// probe hands its slot to the next call.
func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) (_ Result, err error) {
	if !c.breaker.Allow() {
		return Result{}, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonAnalyzeCircuit)
	}
	defer func() {
		if err != nil {
			c.breaker.OnError(err)
		}
	}()
	start := time.Now()
	status := 0
	defer func() {
		metrics.Emit(c.observer, "analysis_http", float64(time.Since(start).Milliseconds()), map[string]string{
			"path":   path,
			"status": strconv.Itoa(status),
		}, nil)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeRequest)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, errorsx.Wrap(err, errorsx.ReasonCancellation)
		}
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeRequest)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(resp.Body)
		rl := resilience.RateLimitError{Provider: "analysis", Message: strings.TrimSpace(string(b))}
		return Result{}, errorsx.Wrap(rl, errorsx.ReasonAnalyzeRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Result{}, errorsx.Errorf(errorsx.ReasonAnalyzeRequest, "analysis: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonAnalyzeDecode)
	}
	c.breaker.OnSuccess()
	if dropped := result.Sanitize(); dropped > 0 {
		c.logger.Warn("analysis_diagnoses_dropped", "path", path, "count", dropped)
	}
	return result, nil
}

// SaveVisit persists visit, retrying transport failures and server errors.
func (c *Client) SaveVisit(ctx context.Context, visit Visit) (Receipt, error) {
	body, err := json.Marshal(visit)
	if err != nil {
		return Receipt{}, errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	var receipt Receipt
	attempt := 0
	err = c.retry.DoContext(ctx, func(ctx context.Context) error {
		attempt++
		r, err := c.save(ctx, body)
		if err != nil {
			c.logger.Warn("visit_save_attempt_failed", "session_id", visit.SessionID, "attempt", attempt, "error", err)
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return Receipt{}, errorsx.Wrap(err, errorsx.ReasonPersist)
	}
	return receipt, nil
}

func (c *Client) save(ctx context.Context, body []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathSaveVisit, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", errNotRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(resp.Body)
		return Receipt{}, fmt.Errorf("save-visit: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Receipt{}, fmt.Errorf("%w: status %d: %s", errNotRetryable, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", errNotRetryable, err)
	}
	if !receipt.OK {
		return Receipt{}, fmt.Errorf("%w: save-visit rejected", errNotRetryable)
	}
	return receipt, nil
}
