package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testReport() *domain.CaseReport {
	return &domain.CaseReport{
		ReportID:         "report-1",
		RequestID:        "req-1",
		StudyInstanceUID: "1.2.3",
		PseudonymousID:   "anon-0123456789abcdef0123456789abcdef",
		Modalities:       []string{"CT"},
		Results: []domain.InferenceResult{
			{ModelID: "lung-ct", ModelVersion: "1.0.0", Status: domain.SlotSucceeded},
			{ModelID: "chest-ct", ModelVersion: "2.0.0", Status: domain.SlotTimedOut},
		},
		OverallFlag:       true,
		AggregationPolicy: "any-positive",
		GeneratedAt:       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsSummary(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Close()

	first := dial(t, hub)
	second := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Write(context.Background(), testReport()))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got Summary
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "report-1", got.ReportID)
		assert.Equal(t, "req-1", got.RequestID)
		assert.Equal(t, 2, got.ModelCount)
		assert.Equal(t, 1, got.SucceededCount)
		assert.True(t, got.OverallFlag)
		assert.False(t, got.Complete)
	}
}

func TestHub_SummaryOmitsScores(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Close()
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	report := testReport()
	report.Results[0].RawScores = []domain.LabelScore{{Label: "nodule", Score: 0.91}}
	require.NoError(t, hub.Write(context.Background(), report))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.NotContains(t, string(msg), "nodule")
	assert.NotContains(t, string(msg), "results")
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Close()

	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.Write(context.Background(), testReport()))
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.NoError(t, hub.Write(context.Background(), testReport()))
	assert.Error(t, hub.Write(context.Background(), nil))
}
