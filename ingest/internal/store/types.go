package store

import "time"

// Health states derived from consecutive_failures.
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthDisabledAuto = "disabled_auto"
)

// Failure thresholds for health transitions.
const (
	DegradedAfter     = 5
	DisabledAutoAfter = 20
)

// Source is a polling target with its adjacent fetch/scheduling state.
type Source struct {
	Identifier     string
	Name           string
	URL            string
	RSSURL         string
	Tier           int
	Active         bool
	Weight         float64
	CheckFrequency time.Duration
	RatePerMinute  int
	UserAgent      string
	Timeout        time.Duration
	MaxArticles    int
	ScopeJSON      string
	ExtractJSON    string
	DiscoveryJSON  string
	CategoriesJSON string

	LastCheckedAt       time.Time
	LastSuccessAt       time.Time
	LastETag            string
	LastModified        string
	ConsecutiveFailures int
	Health              string
	NextRunAt           time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HealthFor maps a failure count to the health state it implies.
func HealthFor(consecutiveFailures int) string {
	switch {
	case consecutiveFailures >= DisabledAutoAfter:
		return HealthDisabledAuto
	case consecutiveFailures >= DegradedAfter:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Article is the canonical ingested record.
type Article struct {
	ID                 int64
	SourceID           string
	CanonicalURL       string
	OriginalURL        string
	Title              string
	Content            string
	RawHTML            string
	PublishedAt        time.Time // zero when unknown
	DiscoveredAt       time.Time
	Author             string
	TagsJSON           string
	Language           string
	ContentHash        string
	SimHash            uint64
	QualityScore       float64
	ThreatHuntingScore int
	MetadataJSON       string
}

// Check is one fetch attempt outcome.
type Check struct {
	ID           string
	SourceID     string
	StartedAt    time.Time
	FinishedAt   time.Time
	HTTPStatus   int
	Bytes        int64
	ArticlesSeen int
	ArticlesNew  int
	ErrorKind    string
	ErrorDetail  string
}

// URLTrack is a known URL for a source.
type URLTrack struct {
	SourceID     string
	CanonicalURL string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	ArticleID    int64 // 0 when the URL never produced an article
	Active       bool
}

// Lease is a per-source work claim.
type Lease struct {
	SourceID   string
	Holder     string
	AcquiredAt time.Time
}

// millis converts to the unix-milli representation, with 0 for zero times.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of millis.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
