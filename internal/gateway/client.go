package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetryMax = 2
	maxResponseSize = 1 << 20
)

// apiClient инкапсулирует подписанное HTTP-взаимодействие со шлюзом.
type apiClient struct {
	baseURL string
	signer  *Signer
	http    *retryablehttp.Client
	now     func() time.Time
	nonce   func() string
}

// apiResponse ответ шлюза: статус и тело.
type apiResponse struct {
	StatusCode int
	Body       []byte
}

// apiError тело ответа шлюза с ошибкой.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newAPIClient(baseURL string, signer *Signer, retryMax int, timeout time.Duration, logger *zap.Logger) *apiClient {
	if retryMax < 0 {
		retryMax = defaultRetryMax
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = retryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = timeout
	hc.Logger = leveledLogger{s: logger.Named("gateway.http").Sugar()}
	// последний ответ 5xx нужен целиком, чтобы разобрать код ошибки шлюза
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    hc,
		now:     time.Now,
		nonce:   newNonce,
	}
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// do подписывает и отправляет запрос. path включает строку запроса.
func (c *apiClient) do(ctx context.Context, method, path string, payload any) (*apiResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request: %v", ErrInvalidParams, err)
		}
	}

	auth, err := c.signer.Authorization(method, path, string(body), c.now().Unix(), c.nonce())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrNetwork, err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "lexseek-settlement")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}
	return &apiResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

// describe формирует текст ошибки из ответа шлюза.
func (r *apiResponse) describe() string {
	var e apiError
	if err := json.Unmarshal(r.Body, &e); err == nil && e.Code != "" {
		return fmt.Sprintf("status %d: %s: %s", r.StatusCode, e.Code, e.Message)
	}
	return "status " + strconv.Itoa(r.StatusCode)
}

func (r *apiResponse) ok() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// leveledLogger адаптирует zap к retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
