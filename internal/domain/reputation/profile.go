package reputation

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	MinTrust = 0.0
	MaxTrust = 100.0
)

// AnomalyType identifies the kind of anomaly.
type AnomalyType string

const (
	AnomalyRateSpike AnomalyType = "RATE_SPIKE"
	AnomalyByzantine AnomalyType = "BYZANTINE"
)

// Anomaly is a detected deviation from an agent's own baseline.
type Anomaly struct {
	ID         string      `json:"id"`
	Type       AnomalyType `json:"type"`
	AgentID    string      `json:"agentId"`
	Observed   float64     `json:"observed"`
	Baseline   float64     `json:"baseline"`
	Deviation  float64     `json:"deviation"`
	Evidence   string      `json:"evidence"`
	DetectedAt time.Time   `json:"detectedAt"`
}

// Params tunes profiling and trust recalculation.
type Params struct {
	Interval         time.Duration // length of one rate sample
	Alpha            float64       // EWMA smoothing factor
	DeviationK       float64       // spike threshold in standard deviations
	MinSamples       int           // closed intervals required before spikes are flagged
	BaselineTrust    float64
	AnomalyPenalty   float64
	FailurePenalty   float64
	ByzantinePenalty float64
	RecoveryStep     float64 // trust regained per clean closed interval
	MaxAnomalies     int     // anomalies kept per profile
}

// DefaultParams returns the defaults used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Interval:         time.Minute,
		Alpha:            0.3,
		DeviationK:       3,
		MinSamples:       5,
		BaselineTrust:    70,
		AnomalyPenalty:   15,
		FailurePenalty:   2,
		ByzantinePenalty: 40,
		RecoveryStep:     2,
		MaxAnomalies:     50,
	}
}

// Profile is an AgentBehaviorProfile.
type Profile struct {
	AgentID         string    `json:"agentId"`
	TrustLevel      float64   `json:"trustLevel"`
	IntervalStart   time.Time `json:"intervalStart"`
	IntervalCount   int       `json:"intervalCount"`
	IntervalTainted bool      `json:"intervalTainted"`
	IntervalFlagged bool      `json:"intervalFlagged"`
	Samples         int       `json:"samples"`
	MeanRate        float64   `json:"meanRate"`
	Variance        float64   `json:"variance"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalFailures   int64     `json:"totalFailures"`
	ByzantineFlags  int       `json:"byzantineFlags"`
	Anomalies       []Anomaly `json:"anomalies"`
	LastSeen        time.Time `json:"lastSeen"`
}

// NewProfile starts an agent at baseline trust.
func NewProfile(agentID string, p Params, now time.Time) *Profile {
	return &Profile{
		AgentID:       agentID,
		TrustLevel:    clamp(p.BaselineTrust),
		IntervalStart: now,
	}
}

// StdDev of the per-interval request rate.
func (pr *Profile) StdDev() float64 { return math.Sqrt(pr.Variance) }

// Roll closes every interval that ended before now. The last active interval
// is folded into the rate baseline; each closed interval without penalties
// recovers trust toward baseline.
func (pr *Profile) Roll(p Params, now time.Time) {
	if p.Interval <= 0 || now.Before(pr.IntervalStart.Add(p.Interval)) {
		return
	}
	elapsed := int(now.Sub(pr.IntervalStart) / p.Interval)

	if pr.IntervalCount > 0 {
		pr.fold(float64(pr.IntervalCount), p.Alpha)
	}
	clean := elapsed
	if pr.IntervalTainted {
		clean--
	}
	if clean > 0 && pr.TrustLevel < p.BaselineTrust {
		pr.TrustLevel = math.Min(p.BaselineTrust, pr.TrustLevel+float64(clean)*p.RecoveryStep)
	}

	pr.IntervalStart = pr.IntervalStart.Add(time.Duration(elapsed) * p.Interval)
	pr.IntervalCount = 0
	pr.IntervalTainted = false
	pr.IntervalFlagged = false
}

func (pr *Profile) fold(x, alpha float64) {
	if pr.Samples == 0 {
		pr.MeanRate = x
		pr.Variance = 0
		pr.Samples = 1
		return
	}
	diff := x - pr.MeanRate
	incr := alpha * diff
	pr.MeanRate += incr
	pr.Variance = (1 - alpha) * (pr.Variance + diff*incr)
	pr.Samples++
}

// Observe records one request. A RATE_SPIKE anomaly is returned at most once
// per interval, with its penalty already applied.
func (pr *Profile) Observe(p Params, success bool, now time.Time) *Anomaly {
	pr.Roll(p, now)
	pr.LastSeen = now
	pr.TotalRequests++
	pr.IntervalCount++
	if !success {
		pr.TotalFailures++
		pr.Penalize(p.FailurePenalty)
	}

	if pr.Samples < p.MinSamples || pr.IntervalFlagged {
		return nil
	}
	sigma := math.Max(pr.StdDev(), 1)
	limit := pr.MeanRate + p.DeviationK*sigma
	observed := float64(pr.IntervalCount)
	if observed <= limit {
		return nil
	}

	pr.IntervalFlagged = true
	a := Anomaly{
		ID:         uuid.NewString(),
		Type:       AnomalyRateSpike,
		AgentID:    pr.AgentID,
		Observed:   observed,
		Baseline:   pr.MeanRate,
		Deviation:  (observed - pr.MeanRate) / sigma,
		Evidence:   fmt.Sprintf("%d requests in %s interval (baseline %.2f, limit %.2f)", pr.IntervalCount, p.Interval, pr.MeanRate, limit),
		DetectedAt: now,
	}
	pr.record(a, p.MaxAnomalies)
	pr.Penalize(p.AnomalyPenalty)
	return &a
}

// FlagByzantine applies the Byzantine penalty and records the anomaly.
func (pr *Profile) FlagByzantine(p Params, reason string, now time.Time) Anomaly {
	pr.Roll(p, now)
	pr.ByzantineFlags++
	a := Anomaly{
		ID:         uuid.NewString(),
		Type:       AnomalyByzantine,
		AgentID:    pr.AgentID,
		Evidence:   reason,
		DetectedAt: now,
	}
	pr.record(a, p.MaxAnomalies)
	pr.Penalize(p.ByzantinePenalty)
	return a
}

// Penalize lowers trust immediately and taints the current interval.
func (pr *Profile) Penalize(amount float64) {
	if amount <= 0 {
		return
	}
	pr.TrustLevel = clamp(pr.TrustLevel - amount)
	pr.IntervalTainted = true
}

func (pr *Profile) record(a Anomaly, max int) {
	pr.Anomalies = append(pr.Anomalies, a)
	if max > 0 && len(pr.Anomalies) > max {
		pr.Anomalies = append([]Anomaly(nil), pr.Anomalies[len(pr.Anomalies)-max:]...)
	}
}

// Clone returns a deep copy.
func (pr *Profile) Clone() *Profile {
	cp := *pr
	cp.Anomalies = append([]Anomaly(nil), pr.Anomalies...)
	return &cp
}

func clamp(v float64) float64 {
	return math.Max(MinTrust, math.Min(MaxTrust, v))
}
