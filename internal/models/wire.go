package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// sampleWire 传输层格式：timestamp 可以是 RFC3339 字符串，也可以是 unix 秒/毫秒
type sampleWire struct {
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	DisplayName  string          `json:"display_name"`
	HeartRateBPM *int            `json:"heart_rate_bpm"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Distance     *float64        `json:"distance"`
	Duration     *float64        `json:"duration"`
	Pace         *float64        `json:"pace"`
}

// unix 毫秒与秒的分界（2001-09-09 之后的毫秒时间戳都大于该值）
const millisThreshold = 1_000_000_000_000

// maxMillis 9999-12-31T23:59:59.999Z，超过即视为非法时间戳
const maxMillis = 253_402_300_799_999

// DecodeSample 解析一条遥测 JSON；格式错误返回 InvalidSample
func DecodeSample(data []byte) (Sample, error) {
	var w sampleWire
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Sample{}, InvalidSample("", "malformed payload: %v", err)
	}
	if w.HeartRateBPM == nil {
		return Sample{}, InvalidSample(w.SessionID, "heart_rate_bpm is required")
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Sample{}, InvalidSample(w.SessionID, "%v", err)
	}

	return Sample{
		SessionID:    w.SessionID,
		UserID:       w.UserID,
		DisplayName:  w.DisplayName,
		HeartRateBPM: *w.HeartRateBPM,
		Timestamp:    ts,
		Distance:     w.Distance,
		Duration:     w.Duration,
		Pace:         w.Pace,
	}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		return t, nil
	}

	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || !(n >= 0 && n <= maxMillis) {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	if n >= millisThreshold {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), nil
}
