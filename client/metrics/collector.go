package metrics

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"os"
	"sort"
	"strconv"
	"time"
)

const (
	StatusOK      = "OK"
	StatusSkipped = "SKIPPED"
	StatusError   = "ERROR"

	statusConnect  = "CONN_NEW"
	statusRetry    = "RETRY"
	statusReceived = "RECEIVED"
)

// Record is one action performed by a participant, or one bookkeeping
// event (connection, retry, received message).
type Record struct {
	Timestamp   time.Time
	Action      string
	Latency     time.Duration
	Status      string
	Participant string
}

type Collector struct {
	records   chan Record
	Done      chan struct{}
	csvFile   *os.File
	csvWriter *csv.Writer
	Stats     Statistics
}

type Statistics struct {
	TotalActions     int
	SuccessCount     int
	SkippedCount     int
	FailCount        int
	TotalConnections int
	RetryCount       int
	ReceivedCount    int
	TotalLatency     time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	StartTime        time.Time
	EndTime          time.Time

	Latencies         []time.Duration
	ActionCounts      map[string]int
	ReceivedByEvent   map[string]int
	ThroughputBuckets map[int64]int // unix seconds of the 10s bucket -> actions
}

// NewCollector writes one CSV row per action to filePath. An empty path
// keeps statistics only.
func NewCollector(filePath string) (*Collector, error) {
	c := &Collector{
		records: make(chan Record, 10000),
		Done:    make(chan struct{}),
		Stats: Statistics{
			MinLatency:        1<<63 - 1,
			ActionCounts:      make(map[string]int),
			ReceivedByEvent:   make(map[string]int),
			ThroughputBuckets: make(map[int64]int),
		},
	}
	if filePath == "" {
		return c, nil
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filePath, err)
	}
	c.csvFile = file
	c.csvWriter = csv.NewWriter(file)
	if err := c.csvWriter.Write([]string{"timestamp", "action", "latency_ms", "status", "participant"}); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collector) Record(r Record) {
	c.records <- r
}

func (c *Collector) RecordConnection() {
	c.records <- Record{Status: statusConnect}
}

func (c *Collector) RecordRetry() {
	c.records <- Record{Status: statusRetry}
}

// RecordReceived counts a message delivered to a participant by the server.
func (c *Collector) RecordReceived(event string) {
	c.records <- Record{Status: statusReceived, Action: event}
}

// Start consumes records until Close. Stats may be read once Done is closed.
func (c *Collector) Start() {
	c.Stats.StartTime = time.Now()
	go func() {
		defer close(c.Done)
		for r := range c.records {
			c.add(r)
		}
		if c.csvWriter != nil {
			c.csvWriter.Flush()
			c.csvFile.Close()
		}
		c.Stats.EndTime = time.Now()
	}()
}

func (c *Collector) add(r Record) {
	switch r.Status {
	case statusConnect:
		c.Stats.TotalConnections++
		return
	case statusRetry:
		c.Stats.RetryCount++
		return
	case statusReceived:
		c.Stats.ReceivedCount++
		c.Stats.ReceivedByEvent[r.Action]++
		return
	}

	c.Stats.TotalActions++
	c.Stats.ActionCounts[r.Action]++
	switch r.Status {
	case StatusOK:
		c.Stats.SuccessCount++
		c.Stats.TotalLatency += r.Latency
		c.Stats.MinLatency = min(c.Stats.MinLatency, r.Latency)
		c.Stats.MaxLatency = max(c.Stats.MaxLatency, r.Latency)
		c.Stats.Latencies = append(c.Stats.Latencies, r.Latency)
		c.Stats.ThroughputBuckets[r.Timestamp.Unix()/10*10]++
	case StatusSkipped:
		c.Stats.SkippedCount++
	default:
		c.Stats.FailCount++
	}

	if c.csvWriter != nil {
		c.csvWriter.Write([]string{
			r.Timestamp.Format(time.RFC3339Nano),
			r.Action,
			strconv.FormatInt(r.Latency.Milliseconds(), 10),
			r.Status,
			r.Participant,
		})
	}
}

func (c *Collector) Close() {
	close(c.records)
}

func (c *Collector) Percentiles() (median, p95, p99 time.Duration) {
	n := len(c.Stats.Latencies)
	if n == 0 {
		return 0, 0, 0
	}
	sort.Slice(c.Stats.Latencies, func(i, j int) bool {
		return c.Stats.Latencies[i] < c.Stats.Latencies[j]
	})
	return c.Stats.Latencies[n/2], c.Stats.Latencies[n*95/100], c.Stats.Latencies[n*99/100]
}

func (c *Collector) PrintSummary(w io.Writer) {
	duration := c.Stats.EndTime.Sub(c.Stats.StartTime).Seconds()
	var throughput float64
	if duration > 0 {
		throughput = float64(c.Stats.SuccessCount) / duration
	}
	var avg time.Duration
	if c.Stats.SuccessCount > 0 {
		avg = c.Stats.TotalLatency / time.Duration(c.Stats.SuccessCount)
	}
	minLatency := c.Stats.MinLatency
	if c.Stats.SuccessCount == 0 {
		minLatency = 0
	}
	median, p95, p99 := c.Percentiles()

	fmt.Fprintln(w, "========= Drawbot Results =========")
	fmt.Fprintf(w, "Total Duration: %.2f seconds\n", duration)
	fmt.Fprintf(w, "Total Actions: %d\n", c.Stats.TotalActions)
	fmt.Fprintf(w, "Successful: %d\n", c.Stats.SuccessCount)
	fmt.Fprintf(w, "Skipped: %d\n", c.Stats.SkippedCount)
	fmt.Fprintf(w, "Failed: %d\n", c.Stats.FailCount)
	fmt.Fprintf(w, "Throughput: %.2f actions/sec\n", throughput)
	fmt.Fprintf(w, "Messages Received: %d\n", c.Stats.ReceivedCount)
	fmt.Fprintf(w, "Total Connections: %d\n", c.Stats.TotalConnections)
	fmt.Fprintf(w, "Total Retries: %d\n", c.Stats.RetryCount)
	fmt.Fprintf(w, "Avg Latency: %s\n", avg)
	fmt.Fprintf(w, "Min Latency: %s\n", minLatency)
	fmt.Fprintf(w, "Max Latency: %s\n", c.Stats.MaxLatency)
	fmt.Fprintf(w, "Median Latency: %s\n", median)
	fmt.Fprintf(w, "P95 Latency: %s\n", p95)
	fmt.Fprintf(w, "P99 Latency: %s\n", p99)

	fmt.Fprintln(w, "\n--- Actions ---")
	for _, k := range sortedKeys(c.Stats.ActionCounts) {
		fmt.Fprintf(w, "%s: %d\n", k, c.Stats.ActionCounts[k])
	}
	fmt.Fprintln(w, "\n--- Received Events ---")
	for _, k := range sortedKeys(c.Stats.ReceivedByEvent) {
		fmt.Fprintf(w, "%s: %d\n", k, c.Stats.ReceivedByEvent[k])
	}
	fmt.Fprintln(w, "===================================")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const chartTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>Drawbot Throughput</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
</head>
<body>
    <div style="width: 80%; margin: auto;">
        <canvas id="chart"></canvas>
    </div>
    <script>
        new Chart(document.getElementById('chart').getContext('2d'), {
            type: 'line',
            data: {
                labels: {{.Labels}},
                datasets: [{
                    label: 'Throughput (actions/sec)',
                    data: {{.Data}},
                    borderColor: 'rgb(75, 192, 192)',
                    tension: 0.1
                }]
            },
            options: { scales: { y: { beginAtZero: true } } }
        });
    </script>
</body>
</html>`

var chart = template.Must(template.New("chart").Parse(chartTemplate))

// GenerateChart writes an HTML line chart of actions per second, averaged
// over 10 second buckets.
func (c *Collector) GenerateChart(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	buckets := make([]int64, 0, len(c.Stats.ThroughputBuckets))
	for k := range c.Stats.ThroughputBuckets {
		buckets = append(buckets, k)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var data struct {
		Labels []string
		Data   []float64
	}
	for _, b := range buckets {
		data.Labels = append(data.Labels, time.Unix(b, 0).Format("15:04:05"))
		data.Data = append(data.Data, float64(c.Stats.ThroughputBuckets[b])/10)
	}
	return chart.Execute(f, data)
}
