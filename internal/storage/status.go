package storage

import "math"

// Status grades how full a shard or group is. Grades are ordered: a
// higher value is a more degraded condition, and each constant doubles
// as the usage threshold, in whole percents, at which the grade
// starts.
type Status int

const (
	StatusHealthy    Status = 0
	StatusAcceptable Status = 60
	StatusAlert      Status = 70
	StatusWarning    Status = 80
	StatusCritical   Status = 90
)

var statusOrder = []Status{
	StatusHealthy,
	StatusAcceptable,
	StatusAlert,
	StatusWarning,
	StatusCritical,
}

// String returns the lowercase grade name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusAcceptable:
		return "acceptable"
	case StatusAlert:
		return "alert"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseStatus maps a grade name back to its Status. Unknown names map
// to StatusHealthy.
func ParseStatus(name string) Status {
	for _, s := range statusOrder {
		if s.String() == name {
			return s
		}
	}
	return StatusHealthy
}

// statusForUsage maps a usage ratio onto the highest grade whose
// threshold the ratio reaches. Usage is rounded up to whole percents
// first, so 0.591 already counts as 60%.
func statusForUsage(usage float64) Status {
	pct := int(math.Ceil(usage * 100))
	grade := StatusHealthy
	for _, s := range statusOrder {
		if int(s) <= pct {
			grade = s
		}
	}
	return grade
}
