// Package metrics exports shared cells as Prometheus gauges. Values are
// read with LoadAcquire at scrape time; nothing is cached.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/sabproxy/kernel/threads/foundation"
	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

var ErrDuplicate = errors.New("metric already watched")

type gauge struct {
	desc   *prometheus.Desc
	kind   prometheus.ValueType
	labels []string
	read   func() float64
}

// CellCollector is a prometheus.Collector over bound cells.
type CellCollector struct {
	namespace string
	fieldDesc *prometheus.Desc

	mu     sync.RWMutex
	gauges []gauge
	keys   map[string]bool
}

// NewCellCollector returns an empty collector whose metric names are
// prefixed with namespace.
func NewCellCollector(namespace string) *CellCollector {
	return &CellCollector{
		namespace: namespace,
		keys:      make(map[string]bool),
		fieldDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "field"),
			"Current value of a schema field.", []string{"type", "object", "field"}, nil),
	}
}

// Watch exports cell as gauge name with fixed labels.
func Watch[T proxy.Scalar](c *CellCollector, name, help string, cell proxy.Cell[T], labels prometheus.Labels) error {
	desc := prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", name), help, nil, labels)
	return c.add([]string{metricKey(name, labels)}, []gauge{{
		desc: desc,
		kind: prometheus.GaugeValue,
		read: func() float64 { return toFloat(cell.LoadAcquire()) },
	}})
}

// WatchType exports every scalar leaf of a registry type bound at offset
// in r as <namespace>_field{type, object, field}.
func (c *CellCollector) WatchType(object string, info *registry.TypeInfo, r *sab.Region, offset uintptr) error {
	var keys []string
	var gauges []gauge
	for _, leaf := range info.Leaves() {
		read, err := reader(leaf.Field.Kind, r, offset+leaf.Offset)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", info.Name, leaf.Path, err)
		}
		if read == nil {
			continue
		}
		labels := []string{info.Name, object, leaf.Path}
		keys = append(keys, "field/"+strings.Join(labels, "/"))
		gauges = append(gauges, gauge{
			desc:   c.fieldDesc,
			kind:   prometheus.GaugeValue,
			labels: labels,
			read:   read,
		})
	}
	return c.add(keys, gauges)
}

// WatchEpoch exports an epoch word.
func (c *CellCollector) WatchEpoch(name string, e *foundation.Epoch) error {
	return Watch(c, "epoch", "Current value of a region epoch.", e.Cell().AsCell(),
		prometheus.Labels{"epoch": name})
}

// WatchGuard exports the holder and violation count of a writer guard.
func (c *CellCollector) WatchGuard(name string, g *foundation.Guard) error {
	labels := prometheus.Labels{"guard": name}
	return c.add(
		[]string{metricKey("guard_holder", labels), metricKey("guard_violations_total", labels)},
		[]gauge{
			{
				desc: prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", "guard_holder"),
					"Owner id holding a writer guard, 0 when free.", nil, labels),
				kind: prometheus.GaugeValue,
				read: func() float64 { return float64(g.Holder()) },
			},
			{
				desc: prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", "guard_violations_total"),
					"Rejected acquisitions and releases of a writer guard.", nil, labels),
				kind: prometheus.CounterValue,
				read: func() float64 { return float64(g.Violations()) },
			},
		})
}

// WatchQueue exports depth and traffic of a message queue.
func (c *CellCollector) WatchQueue(name string, mq *foundation.MessageQueue) error {
	labels := prometheus.Labels{"queue": name}
	stats := mq.Stats()
	metrics := []struct {
		name, help string
		kind       prometheus.ValueType
		read       func() float64
	}{
		{"queue_depth", "Unread messages.", prometheus.GaugeValue,
			func() float64 { return float64(mq.Len()) }},
		{"queue_enqueued_total", "Messages enqueued by this process.", prometheus.CounterValue,
			func() float64 { return float64(stats.Enqueued.Load()) }},
		{"queue_dequeued_total", "Messages dequeued by this process.", prometheus.CounterValue,
			func() float64 { return float64(stats.Dequeued.Load()) }},
		{"queue_dropped_total", "Enqueues rejected because the queue was full.", prometheus.CounterValue,
			func() float64 { return float64(stats.Dropped.Load()) }},
	}
	keys := make([]string, len(metrics))
	gauges := make([]gauge, len(metrics))
	for i, m := range metrics {
		keys[i] = metricKey(m.name, labels)
		gauges[i] = gauge{
			desc: prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", m.name), m.help, nil, labels),
			kind: m.kind,
			read: m.read,
		}
	}
	return c.add(keys, gauges)
}

// Len returns the number of exported series.
func (c *CellCollector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.gauges)
}

func (c *CellCollector) Describe(ch chan<- *prometheus.Desc) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[*prometheus.Desc]bool)
	for _, g := range c.gauges {
		if !seen[g.desc] {
			seen[g.desc] = true
			ch <- g.desc
		}
	}
}

func (c *CellCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.read(), g.labels...)
	}
}

// add registers all gauges or none.
func (c *CellCollector) add(keys []string, gauges []gauge) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if c.keys[key] {
			return fmt.Errorf("%s: %w", key, ErrDuplicate)
		}
	}
	for _, key := range keys {
		c.keys[key] = true
	}
	c.gauges = append(c.gauges, gauges...)
	return nil
}

func reader(kind registry.Kind, r *sab.Region, offset uintptr) (func() float64, error) {
	switch kind {
	case registry.KindBool:
		return bind[bool](r, offset)
	case registry.KindInt32:
		return bind[int32](r, offset)
	case registry.KindUint32:
		return bind[uint32](r, offset)
	case registry.KindInt64:
		return bind[int64](r, offset)
	case registry.KindUint64:
		return bind[uint64](r, offset)
	}
	return nil, nil
}

func bind[T proxy.Scalar](r *sab.Region, offset uintptr) (func() float64, error) {
	cell, err := proxy.At[T](r, offset)
	if err != nil {
		return nil, err
	}
	return func() float64 { return toFloat(cell.LoadAcquire()) }, nil
}

func toFloat[T proxy.Scalar](v T) float64 {
	switch x := any(v).(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int32:
		return float64(x)
	case uint32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}

func metricKey(name string, labels prometheus.Labels) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
