package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhist/internal/history"
	"modelhist/internal/model"
)

func TestHistoryMetrics_ObservesStream(t *testing.T) {
	reg := NewRegistry("modelhist", false)
	hm := NewHistoryMetrics(reg)

	m := model.New()
	s := history.NewStream(history.StreamOptions{Name: "main", Host: m, Observer: hm})
	ctx := history.NewContext(s)

	for i := 0; i < 3; i++ {
		_, err := ctx.Open()
		require.NoError(t, err)
		_, err = m.Create(ctx, model.KindBody, "b", "", 0)
		require.NoError(t, err)
		_, err = ctx.NoteState(false)
		require.NoError(t, err)
	}
	require.NoError(t, s.ChangeState(1))

	assert.Equal(t, 3.0, testutil.ToFloat64(hm.OperationsTotal.WithLabelValues("main", "note")))
	assert.Equal(t, 3.0, testutil.ToFloat64(hm.OperationsTotal.WithLabelValues("main", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(hm.OperationsTotal.WithLabelValues("main", "roll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(hm.CurrentState.WithLabelValues("main")))

	hm.Sample(s, true)
	assert.Equal(t, 4.0, testutil.ToFloat64(hm.States.WithLabelValues("main")))
	assert.Greater(t, testutil.ToFloat64(hm.SizeBytes.WithLabelValues("main")), 0.0)

	hm.Forget("main")
	assert.Equal(t, 0, testutil.CollectAndCount(hm.States))
	assert.Equal(t, 0, testutil.CollectAndCount(hm.OperationsTotal))
}

func TestHistoryMetrics_RecordArchive(t *testing.T) {
	hm := NewHistoryMetrics(NewRegistry("modelhist", false))
	hm.RecordArchive(nil)
	hm.RecordArchive(nil)
	hm.RecordArchive(errors.New("disk full"))

	assert.Equal(t, 2.0, testutil.ToFloat64(hm.ArchivedTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(hm.ArchivedTotal.WithLabelValues("error")))
}

func TestRegistry_Handler(t *testing.T) {
	reg := NewRegistry("modelhist", true)
	hm := NewHistoryMetrics(reg)
	hm.Observe(history.Event{Kind: history.EventNote, Stream: "main", To: 1, Count: 2, Duration: time.Millisecond})

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `modelhist_stream_operations_total{kind="note",stream="main"} 1`)
	assert.Contains(t, text, "modelhist_stream_operation_duration_seconds_bucket")
	assert.Contains(t, text, "go_goroutines")
}

func TestRegistry_ServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	reg := NewRegistry("modelhist", false)
	NewHistoryMetrics(reg).Observe(history.Event{Kind: history.EventRoll, Stream: "main"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Serve(ctx, addr, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(b), "modelhist_")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
