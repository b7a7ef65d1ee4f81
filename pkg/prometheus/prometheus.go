// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prometheus renders counter snapshots in the Prometheus text
// exposition format.
package prometheus

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

func (t Type) dto() (dto.MetricType, error) {
	switch t {
	case TypeUntyped:
		return dto.MetricType_UNTYPED, nil
	case TypeGauge:
		return dto.MetricType_GAUGE, nil
	case TypeCounter:
		return dto.MetricType_COUNTER, nil
	default:
		return 0, fmt.Errorf("unknown metric type %d", int(t))
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional helpful string explaining what the metric is about.
	Help string
}

// Data is an observation of the value of a single metric at a certain point
// in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string

	// Value is the observed value.
	Value float64
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Value: float64(val)}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and
// value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: float64(val)}
}

// Snapshot is a snapshot of the values of a set of metrics at a certain
// point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time

	// Data is the whole snapshot data. Each Data must be a unique
	// combination of (Metric, Labels) within a Snapshot.
	Data []*Data
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions contains options that control how metric data is exported
// in Prometheus format.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is
	// exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

func labelPairs(labels ...map[string]string) ([]*dto.LabelPair, error) {
	merged := make(map[string]string)
	for _, ls := range labels {
		for k, v := range ls {
			if !model.LabelName(k).IsValid() {
				return nil, fmt.Errorf("invalid label name %q", k)
			}
			if old, ok := merged[k]; ok && old != v {
				return nil, fmt.Errorf("label %q has conflicting values %q and %q", k, old, v)
			}
			merged[k] = v
		}
	}
	pairs := make([]*dto.LabelPair, 0, len(merged))
	for k, v := range merged {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs, nil
}

func labelsKey(pairs []*dto.LabelPair) string {
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%s=%q,", p.GetName(), p.GetValue())
	}
	return sb.String()
}

// Families converts the snapshot into metric families, in the order in which
// their metrics first appear.
func (s *Snapshot) Families(options ExportOptions) ([]*dto.MetricFamily, error) {
	var families []*dto.MetricFamily
	byName := make(map[string]*dto.MetricFamily)
	seen := make(map[string]bool)
	for _, d := range s.Data {
		name := options.ExporterPrefix + d.Metric.Name
		if !model.IsValidMetricName(model.LabelValue(name)) {
			return nil, fmt.Errorf("invalid metric name %q", name)
		}
		typ, err := d.Metric.Type.dto()
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		mf, ok := byName[name]
		if !ok {
			mf = &dto.MetricFamily{Name: proto.String(name), Type: typ.Enum()}
			if d.Metric.Help != "" {
				mf.Help = proto.String(d.Metric.Help)
			}
			byName[name] = mf
			families = append(families, mf)
		} else if mf.GetType() != typ {
			return nil, fmt.Errorf("metric %s reported as both %v and %v", name, mf.GetType(), typ)
		}

		labels, err := labelPairs(options.ExtraLabels, d.Labels)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		key := name + "{" + labelsKey(labels) + "}"
		if seen[key] {
			return nil, fmt.Errorf("duplicate data for %s", key)
		}
		seen[key] = true
		m := &dto.Metric{Label: labels}
		if !s.When.IsZero() {
			m.TimestampMs = proto.Int64(s.When.UnixMilli())
		}
		switch typ {
		case dto.MetricType_COUNTER:
			if d.Value < 0 {
				return nil, fmt.Errorf("counter %s has negative value %v", name, d.Value)
			}
			m.Counter = &dto.Counter{Value: proto.Float64(d.Value)}
		case dto.MetricType_GAUGE:
			m.Gauge = &dto.Gauge{Value: proto.Float64(d.Value)}
		default:
			m.Untyped = &dto.Untyped{Value: proto.Float64(d.Value)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return families, nil
}

// Write writes the snapshot to w in Prometheus text format. It returns the
// number of bytes written.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	families, err := s.Families(options)
	if err != nil {
		return 0, err
	}
	written := 0
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			n, err := fmt.Fprintf(w, "# %s\n", line)
			written += n
			if err != nil {
				return written, err
			}
		}
	}
	for _, mf := range families {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return written, nil
}
