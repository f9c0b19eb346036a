// Package inference provides model adapters: a remote HTTP inference client and
// built-in reference models.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

const maxResponseBytes = 1 << 20

// HTTPModelConfig represents configuration for a remote model endpoint
type HTTPModelConfig struct {
	Endpoint       string        `json:"endpoint"`
	HealthEndpoint string        `json:"health_endpoint"`
	APIKey         string        `json:"-"`
	Timeout        time.Duration `json:"timeout"`
	RateLimit      float64       `json:"rate_limit"` // requests per second, 0 disables
	Burst          int           `json:"burst"`
}

// InferRequest is the wire request sent to a remote model
type InferRequest struct {
	ModelID string       `json:"model_id"`
	Version string       `json:"version"`
	Shape   []int        `json:"shape"`
	DType   domain.DType `json:"dtype"`
	Data    string       `json:"data"` // base64 of little-endian elements
}

// InferResponse is the wire response of a remote model
type InferResponse struct {
	Scores     map[string]float64 `json:"scores"`
	Confidence float64            `json:"confidence"`
}

// HTTPModel calls a remote inference endpoint behind a rate limiter and a
// circuit breaker. An open breaker fails the call immediately.
type HTTPModel struct {
	id, version    string
	endpoint       string
	healthEndpoint string
	apiKey         string
	httpClient     *http.Client
	rateLimit      *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
	logger         *logrus.Logger
}

// NewHTTPModel creates a new remote model client
func NewHTTPModel(id, version string, config HTTPModelConfig, logger *logrus.Logger) (*HTTPModel, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("model %s@%s: endpoint is required", id, version)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HealthEndpoint == "" {
		config.HealthEndpoint = strings.TrimSuffix(config.Endpoint, "/") + "/health"
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	name := id + "@" + version
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"model": name,
				"from":  from.String(),
				"to":    to.String(),
			}).Warn("Model circuit breaker changed state")
		},
	})

	return &HTTPModel{
		id:             id,
		version:        version,
		endpoint:       config.Endpoint,
		healthEndpoint: config.HealthEndpoint,
		apiKey:         config.APIKey,
		httpClient:     &http.Client{Timeout: config.Timeout},
		rateLimit:      rate.NewLimiter(limit, config.Burst),
		breaker:        breaker,
		logger:         logger,
	}, nil
}

// Infer sends the tensor to the remote model.
func (m *HTTPModel) Infer(ctx context.Context, tensor *domain.Tensor) (*domain.ModelOutput, error) {
	if err := m.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	body, err := json.Marshal(InferRequest{
		ModelID: m.id,
		Version: m.version,
		Shape:   tensor.Shape,
		DType:   tensor.DType,
		Data:    base64.StdEncoding.EncodeToString(EncodeTensor(tensor)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode inference request: %w", err)
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.WrapError(domain.ErrCodeModelError, "model circuit breaker is open", err)
		}
		return nil, err
	}
	return result.(*domain.ModelOutput), nil
}

func (m *HTTPModel) post(ctx context.Context, body []byte) (*domain.ModelOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("X-API-KEY", m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.WrapError(domain.ErrCodeModelError, "model endpoint returned an error",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var out InferResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, domain.WrapError(domain.ErrCodeModelError, "invalid inference response", err)
	}
	return &domain.ModelOutput{Scores: out.Scores, Confidence: out.Confidence}, nil
}

// Ping checks the model's health endpoint
func (m *HTTPModel) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if m.apiKey != "" {
		req.Header.Set("X-API-KEY", m.apiKey)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState reports the circuit breaker state
func (m *HTTPModel) BreakerState() string {
	return m.breaker.State().String()
}

// EncodeTensor serializes tensor values as little-endian elements of its dtype.
func EncodeTensor(t *domain.Tensor) []byte {
	size := t.DType.Size()
	out := make([]byte, len(t.Values)*size)
	for i, v := range t.Values {
		switch t.DType {
		case domain.DTypeUint8:
			out[i] = uint8(v)
		case domain.DTypeInt16:
			binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
		default:
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
	}
	return out
}

// DecodeTensor is the inverse of EncodeTensor
func DecodeTensor(data []byte, dtype domain.DType) ([]float32, error) {
	size := dtype.Size()
	if len(data)%size != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a multiple of %s size", len(data), dtype)
	}
	out := make([]float32, len(data)/size)
	for i := range out {
		switch dtype {
		case domain.DTypeUint8:
			out[i] = float32(data[i])
		case domain.DTypeInt16:
			out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:])))
		default:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	}
	return out, nil
}
