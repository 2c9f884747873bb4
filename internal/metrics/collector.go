// Package metrics provides the named counter/gauge sink the core reports
// into, with Prometheus text exposition. The core only increments and sets
// values; export format beyond the text endpoint is a collaborator concern.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector holds named atomic counters and gauges. Series are keyed by
// metric name plus an optional flat list of label key/value pairs.
type Collector struct {
	counters  sync.Map // series key -> *int64
	gauges    sync.Map // series key -> *uint64 (float64 bits)
	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Inc increments a counter by one.
func (c *Collector) Inc(name string, labels ...string) {
	c.Add(name, 1, labels...)
}

// Add increments a counter by n.
func (c *Collector) Add(name string, n int64, labels ...string) {
	v, _ := c.counters.LoadOrStore(seriesKey(name, labels), new(int64))
	atomic.AddInt64(v.(*int64), n)
}

// SetGauge sets a gauge to the given value.
func (c *Collector) SetGauge(name string, value float64, labels ...string) {
	v, _ := c.gauges.LoadOrStore(seriesKey(name, labels), new(uint64))
	atomic.StoreUint64(v.(*uint64), math.Float64bits(value))
}

// CounterValue reads a counter; unknown series read as zero.
func (c *Collector) CounterValue(name string, labels ...string) int64 {
	if v, ok := c.counters.Load(seriesKey(name, labels)); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

// GaugeValue reads a gauge; unknown series read as zero.
func (c *Collector) GaugeValue(name string, labels ...string) float64 {
	if v, ok := c.gauges.Load(seriesKey(name, labels)); ok {
		return math.Float64frombits(atomic.LoadUint64(v.(*uint64)))
	}
	return 0
}

// PrometheusFormat renders all series in Prometheus text exposition format.
func (c *Collector) PrometheusFormat() string {
	var sb strings.Builder

	var counterLines, gaugeLines []string
	c.counters.Range(func(k, v interface{}) bool {
		counterLines = append(counterLines,
			fmt.Sprintf("%s %d", k.(string), atomic.LoadInt64(v.(*int64))))
		return true
	})
	c.gauges.Range(func(k, v interface{}) bool {
		gaugeLines = append(gaugeLines,
			fmt.Sprintf("%s %g", k.(string), math.Float64frombits(atomic.LoadUint64(v.(*uint64)))))
		return true
	})
	sort.Strings(counterLines)
	sort.Strings(gaugeLines)

	for _, l := range counterLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	for _, l := range gaugeLines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("process_uptime_seconds %g\n", time.Since(c.startTime).Seconds()))
	return sb.String()
}

// Handler serves the Prometheus text endpoint.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(c.PrometheusFormat()))
	}
}

func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString("{")
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(labels[i])
		sb.WriteString(`="`)
		sb.WriteString(labels[i+1])
		sb.WriteString(`"`)
	}
	sb.WriteString("}")
	return sb.String()
}
