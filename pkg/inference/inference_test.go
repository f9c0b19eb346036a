package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

func testTensor() *domain.Tensor {
	return &domain.Tensor{
		Shape:  []int{1, 1, 2, 2},
		DType:  domain.DTypeInt16,
		Values: []float32{0, 32767, -5, 12},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestHTTPModel_Infer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))

		var req InferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lung-ct", req.ModelID)
		assert.Equal(t, "2.0.0", req.Version)
		assert.Equal(t, []int{1, 1, 2, 2}, req.Shape)
		assert.Equal(t, domain.DTypeInt16, req.DType)

		raw, err := base64.StdEncoding.DecodeString(req.Data)
		require.NoError(t, err)
		values, err := DecodeTensor(raw, req.DType)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 32767, -5, 12}, values)

		_ = json.NewEncoder(w).Encode(InferResponse{
			Scores:     map[string]float64{"nodule": 0.8, "normal": 0.2},
			Confidence: 0.9,
		})
	}))
	defer server.Close()

	model, err := NewHTTPModel("lung-ct", "2.0.0", HTTPModelConfig{Endpoint: server.URL, APIKey: "secret"}, quietLogger())
	require.NoError(t, err)

	out, err := model.Infer(context.Background(), testTensor())
	require.NoError(t, err)
	assert.Equal(t, 0.8, out.Scores["nodule"])
	assert.Equal(t, 0.9, out.Confidence)
}

func TestHTTPModel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	model, err := NewHTTPModel("lung-ct", "1", HTTPModelConfig{Endpoint: server.URL}, quietLogger())
	require.NoError(t, err)

	_, err = model.Infer(context.Background(), testTensor())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelError))
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTPModel_BreakerOpensWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	model, err := NewHTTPModel("lung-ct", "1", HTTPModelConfig{Endpoint: server.URL}, quietLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := model.Infer(context.Background(), testTensor())
		require.Error(t, err)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "each failed call reaches the endpoint exactly once")
	assert.Equal(t, "open", model.BreakerState())

	_, err = model.Infer(context.Background(), testTensor())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelError))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPModel_Ping(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/infer/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	model, err := NewHTTPModel("lung-ct", "1", HTTPModelConfig{Endpoint: server.URL + "/infer"}, quietLogger())
	require.NoError(t, err)

	assert.NoError(t, model.Ping(context.Background()))
	healthy.Store(false)
	assert.Error(t, model.Ping(context.Background()))
}

func TestNewHTTPModel_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPModel("lung-ct", "1", HTTPModelConfig{}, nil)
	assert.Error(t, err)
}

func TestEncodeTensor_RoundTrip(t *testing.T) {
	tests := []struct {
		dtype  domain.DType
		values []float32
	}{
		{domain.DTypeFloat32, []float32{0, 0.25, 1}},
		{domain.DTypeUint8, []float32{0, 128, 255}},
		{domain.DTypeInt16, []float32{-32767, 0, 32767}},
	}

	for _, tt := range tests {
		t.Run(string(tt.dtype), func(t *testing.T) {
			data := EncodeTensor(&domain.Tensor{DType: tt.dtype, Values: tt.values})
			assert.Len(t, data, len(tt.values)*tt.dtype.Size())
			decoded, err := DecodeTensor(data, tt.dtype)
			require.NoError(t, err)
			assert.Equal(t, tt.values, decoded)
		})
	}
}

func TestBuiltinModels(t *testing.T) {
	t.Run("mean intensity", func(t *testing.T) {
		model, err := NewBuiltin(BuiltinMeanIntensity, []string{"normal", "abnormal"}, BuiltinParams{})
		require.NoError(t, err)

		out, err := model.Infer(context.Background(), &domain.Tensor{
			DType:  domain.DTypeUint8,
			Values: []float32{255, 255, 0, 0},
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, out.Scores["abnormal"], 1e-9)
		assert.InDelta(t, 0.5, out.Scores["normal"], 1e-9)
		assert.InDelta(t, 0.5, out.Confidence, 1e-9)
	})

	t.Run("constant", func(t *testing.T) {
		model, err := NewBuiltin(BuiltinConstant, []string{"normal", "fracture"}, BuiltinParams{
			Scores:     map[string]float64{"fracture": 0.7},
			Confidence: 0.8,
		})
		require.NoError(t, err)

		out, err := model.Infer(context.Background(), testTensor())
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"normal": 0, "fracture": 0.7}, out.Scores)
		assert.Equal(t, 0.8, out.Confidence)
	})

	t.Run("cancelled context", func(t *testing.T) {
		model, err := NewBuiltin(BuiltinConstant, []string{"x"}, BuiltinParams{})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = model.Infer(ctx, testTensor())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewBuiltin("oracle", []string{"x"}, BuiltinParams{})
		assert.Error(t, err)
	})

	t.Run("undeclared label", func(t *testing.T) {
		_, err := NewBuiltin(BuiltinConstant, []string{"x"}, BuiltinParams{Scores: map[string]float64{"y": 1}})
		assert.Error(t, err)
	})
}
