package marketdata

import "time"

// QualityLevel buckets a QualityMetrics snapshot into a coarse rating for
// dashboards and ingestion reports.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "EXCELLENT"
	QualityGood       QualityLevel = "GOOD"
	QualityAcceptable QualityLevel = "ACCEPTABLE"
	QualityPoor       QualityLevel = "POOR"
)

// QualityMetrics summarizes the completeness and cleanliness of one
// instrument's stored series as of LastUpdated.
type QualityMetrics struct {
	TotalPoints     int
	MissingPoints   int
	DuplicatePoints int
	CompletenessPct float64
	LastUpdated     time.Time
	DataSource      string
}

// Score computes the quality score: completeness minus a
// duplicate-rate penalty capped at 50 points, so a series that is fully
// complete but riddled with duplicate timestamps can never score as
// EXCELLENT.
func (m QualityMetrics) Score() float64 {
	duplicatePct := 0.0
	if m.TotalPoints > 0 {
		duplicatePct = 100.0 * float64(m.DuplicatePoints) / float64(m.TotalPoints)
	}
	penalty := 2.0 * duplicatePct
	if penalty > 50.0 {
		penalty = 50.0
	}
	score := m.CompletenessPct - penalty
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Level maps Score into the four-tier rating used in ingestion reports.
func (m QualityMetrics) Level() QualityLevel {
	score := m.Score()
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 70:
		return QualityGood
	case score >= 50:
		return QualityAcceptable
	default:
		return QualityPoor
	}
}

// computeQualityMetrics derives a QualityMetrics snapshot from an
// instrument's stored timestamps against the calendar days its declared
// range should cover. duplicatesObserved counts timestamps the ingestion
// merge saw more than once across the batches it processed (a
// batch-scoped count the store itself cannot reconstruct after the fact,
// since upsert collapses duplicates by design).
func computeQualityMetrics(expectedDays, storedDays, duplicatesObserved int, dataSource string, at time.Time) QualityMetrics {
	missing := expectedDays - storedDays
	if missing < 0 {
		missing = 0
	}
	completeness := 100.0
	if expectedDays > 0 {
		completeness = 100.0 * float64(storedDays) / float64(expectedDays)
		if completeness > 100 {
			completeness = 100
		}
	}
	return QualityMetrics{
		TotalPoints:     expectedDays,
		MissingPoints:   missing,
		DuplicatePoints: duplicatesObserved,
		CompletenessPct: completeness,
		LastUpdated:     at,
		DataSource:      dataSource,
	}
}
