package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	promModel "github.com/prometheus/common/model"
)

// ResultKind is the shape of a query result
type ResultKind string

const (
	ResultVector ResultKind = "vector"
	ResultMatrix ResultKind = "matrix"
	ResultScalar ResultKind = "scalar"
	ResultEmpty  ResultKind = ""
)

// Point is one (timestamp, value) pair. Valid is false when the source could not be parsed.
type Point struct {
	Timestamp time.Time
	Value     float64
	Valid     bool
}

// Series is one labeled time series
type Series struct {
	Labels map[string]string
	Points []Point
}

// Result is the normalized form of any backend answer
type Result struct {
	Kind   ResultKind
	Series []Series
	Scalar *Point
}

// IsEmpty reports whether the result carries no valid point
func (r Result) IsEmpty() bool {
	if r.Scalar != nil && r.Scalar.Valid {
		return false
	}
	for _, s := range r.Series {
		for _, p := range s.Points {
			if p.Valid {
				return false
			}
		}
	}
	return true
}

// FirstValue returns the first valid value of the result
func (r Result) FirstValue() (float64, bool) {
	if r.Scalar != nil && r.Scalar.Valid {
		return r.Scalar.Value, true
	}
	for _, s := range r.Series {
		for _, p := range s.Points {
			if p.Valid {
				return p.Value, true
			}
		}
	}
	return 0, false
}

// UnmarshalJSON accepts the three point encodings seen in the wild:
// [ts, "v"], {"time": ts, "value": "v"} and a bare number or numeric string.
// Malformed input never fails decoding; the point is marked invalid instead.
func (p *Point) UnmarshalJSON(data []byte) error {
	*p = Point{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil || len(pair) < 2 {
			return nil
		}
		ts, okTs := parseTimestamp(pair[0])
		v, okV := parseValue(pair[1])
		if okTs && okV {
			*p = Point{Timestamp: ts, Value: v, Valid: true}
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		raw, ok := firstKey(obj, "value", "v", "val")
		if !ok {
			return nil
		}
		v, okV := parseValue(raw)
		if !okV {
			return nil
		}
		ts := time.Time{}
		if rawTs, ok := firstKey(obj, "time", "timestamp", "ts", "t"); ok {
			if parsed, okTs := parseTimestamp(rawTs); okTs {
				ts = parsed
			}
		}
		*p = Point{Timestamp: ts, Value: v, Valid: true}
	default:
		if v, ok := parseValue(data); ok {
			*p = Point{Value: v, Valid: true}
		}
	}
	return nil
}

func firstKey(obj map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if raw, ok := obj[k]; ok && len(raw) > 0 && string(raw) != "null" {
			return raw, true
		}
	}
	return nil, false
}

// parseValue reads a float from a JSON number or string; NaN and Inf are rejected
func parseValue(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseTimestamp reads unix seconds (number or string, fractional allowed) or RFC3339
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return unixFloat(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	if parsed, err := strconv.ParseFloat(s, 64); err == nil {
		return unixFloat(parsed), true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func unixFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

type jsonSeries struct {
	Metric map[string]string `json:"metric"`
	Labels map[string]string `json:"labels"`
	Value  *Point            `json:"value"`
	Values []Point           `json:"values"`
}

type jsonData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}

type jsonEnvelope struct {
	Status string    `json:"status"`
	Data   *jsonData `json:"data"`
	jsonData
}

// DecodeResult turns an HTTP JSON payload into a Result. It accepts the full
// {"status","data":{...}} envelope or the inner {"resultType","result"} object.
// Undecodable payloads yield an empty result.
func DecodeResult(payload []byte) Result {
	var env jsonEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{}
	}
	data := env.jsonData
	if env.Data != nil {
		data = *env.Data
	}
	if len(data.Result) == 0 {
		return Result{}
	}

	if data.ResultType == string(ResultScalar) || !isArrayOfObjects(data.Result) {
		var p Point
		_ = p.UnmarshalJSON(data.Result)
		if !p.Valid {
			return Result{}
		}
		return Result{Kind: ResultScalar, Scalar: &p}
	}

	var raw []jsonSeries
	if err := json.Unmarshal(data.Result, &raw); err != nil {
		return Result{}
	}
	res := Result{Kind: ResultKind(data.ResultType)}
	for _, rs := range raw {
		labels := rs.Metric
		if labels == nil {
			labels = rs.Labels
		}
		s := Series{Labels: labels}
		if rs.Value != nil {
			s.Points = append(s.Points, *rs.Value)
		}
		s.Points = append(s.Points, rs.Values...)
		res.Series = append(res.Series, s)
	}
	if res.Kind == ResultEmpty {
		res.Kind = ResultVector
	}
	return res
}

func isArrayOfObjects(raw json.RawMessage) bool {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false
	}
	if len(items) == 0 {
		return true
	}
	first := bytes.TrimSpace(items[0])
	return len(first) > 0 && first[0] == '{'
}

// FromModel converts a client_golang query value into a Result
func FromModel(v promModel.Value) Result {
	switch val := v.(type) {
	case promModel.Vector:
		res := Result{Kind: ResultVector}
		for _, s := range val {
			if s == nil {
				continue
			}
			res.Series = append(res.Series, Series{
				Labels: labelsFromMetric(s.Metric),
				Points: []Point{modelPoint(s.Timestamp, s.Value)},
			})
		}
		return res
	case promModel.Matrix:
		res := Result{Kind: ResultMatrix}
		for _, stream := range val {
			if stream == nil {
				continue
			}
			series := Series{Labels: labelsFromMetric(stream.Metric)}
			for _, pair := range stream.Values {
				series.Points = append(series.Points, modelPoint(pair.Timestamp, pair.Value))
			}
			res.Series = append(res.Series, series)
		}
		return res
	case *promModel.Scalar:
		if val == nil {
			return Result{}
		}
		p := modelPoint(val.Timestamp, val.Value)
		return Result{Kind: ResultScalar, Scalar: &p}
	default:
		return Result{}
	}
}

func labelsFromMetric(m promModel.Metric) map[string]string {
	labels := make(map[string]string, len(m))
	for k, v := range m {
		labels[string(k)] = string(v)
	}
	return labels
}

func modelPoint(ts promModel.Time, v promModel.SampleValue) Point {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Point{}
	}
	return Point{Timestamp: ts.Time().UTC(), Value: f, Valid: true}
}
