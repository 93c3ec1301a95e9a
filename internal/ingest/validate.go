package ingest

import (
	"math"
	"regexp"
	"time"

	"pacebeats-monitor/internal/models"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidSessionID 会话 id 格式校验
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// validate 校验并规范化采样；零时间戳使用服务器时间
func (p *Pipeline) validate(s *models.Sample) error {
	if !ValidSessionID(s.SessionID) {
		return models.InvalidSample(s.SessionID, "malformed session_id")
	}
	if s.HeartRateBPM < 1 || s.HeartRateBPM > p.opts.MaxHeartRate {
		return models.InvalidSample(s.SessionID, "heart_rate_bpm %d out of range 1..%d", s.HeartRateBPM, p.opts.MaxHeartRate)
	}

	now := p.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	} else if s.Timestamp.Sub(now) > p.opts.MaxClockSkew {
		return models.InvalidSample(s.SessionID, "timestamp %s is in the future", s.Timestamp.Format(time.RFC3339))
	}

	for name, v := range map[string]*float64{"distance": s.Distance, "duration": s.Duration, "pace": s.Pace} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			return models.InvalidSample(s.SessionID, "%s must be a non-negative number", name)
		}
	}
	return nil
}
