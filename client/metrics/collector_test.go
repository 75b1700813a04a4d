package metrics

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	c, err := NewCollector(path)
	require.NoError(t, err)
	c.Start()

	now := time.Now()
	c.RecordConnection()
	c.RecordRetry()
	c.RecordReceived("stroke_completed")
	c.RecordReceived("stroke_completed")
	c.RecordReceived("user_joined")
	for i, ms := range []int{5, 1, 3} {
		c.Record(Record{Timestamp: now, Action: "DRAW", Latency: time.Duration(ms) * time.Millisecond, Status: StatusOK, Participant: "bot-" + string(rune('a'+i))})
	}
	c.Record(Record{Timestamp: now, Action: "UNDO", Status: StatusSkipped})
	c.Record(Record{Timestamp: now, Action: "CLEAR", Status: StatusError})
	c.Close()
	<-c.Done

	s := c.Stats
	assert.Equal(t, 5, s.TotalActions)
	assert.Equal(t, 3, s.SuccessCount)
	assert.Equal(t, 1, s.SkippedCount)
	assert.Equal(t, 1, s.FailCount)
	assert.Equal(t, 1, s.TotalConnections)
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, 3, s.ReceivedCount)
	assert.Equal(t, map[string]int{"stroke_completed": 2, "user_joined": 1}, s.ReceivedByEvent)
	assert.Equal(t, map[string]int{"DRAW": 3, "UNDO": 1, "CLEAR": 1}, s.ActionCounts)
	assert.Equal(t, time.Millisecond, s.MinLatency)
	assert.Equal(t, 5*time.Millisecond, s.MaxLatency)

	median, _, p99 := c.Percentiles()
	assert.Equal(t, 3*time.Millisecond, median)
	assert.Equal(t, 5*time.Millisecond, p99)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6, "header plus one row per action")
	assert.Equal(t, []string{"timestamp", "action", "latency_ms", "status", "participant"}, rows[0])
	assert.Equal(t, "5", rows[1][2])

	var out bytes.Buffer
	c.PrintSummary(&out)
	assert.Contains(t, out.String(), "Successful: 3")
	assert.Contains(t, out.String(), "stroke_completed: 2")
}

func TestCollectorWithoutFile(t *testing.T) {
	c, err := NewCollector("")
	require.NoError(t, err)
	c.Start()
	c.Close()
	<-c.Done

	var out bytes.Buffer
	c.PrintSummary(&out)
	assert.Contains(t, out.String(), "Min Latency: 0s")
}

func TestGenerateChart(t *testing.T) {
	c, err := NewCollector("")
	require.NoError(t, err)
	c.Start()
	c.Record(Record{Timestamp: time.Unix(1700000000, 0), Action: "DRAW", Status: StatusOK})
	c.Close()
	<-c.Done

	path := filepath.Join(t.TempDir(), "chart.html")
	require.NoError(t, c.GenerateChart(path))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "new Chart")
}
