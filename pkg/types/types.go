package types

import (
	"time"
)

// EndpointType identifies the lookup endpoint a cache entry belongs to.
type EndpointType string

const (
	EndpointTitle  EndpointType = "title"
	EndpointISBN   EndpointType = "isbn"
	EndpointAuthor EndpointType = "author"
)

// Valid reports whether the endpoint type is one of the known endpoints.
func (e EndpointType) Valid() bool {
	switch e {
	case EndpointTitle, EndpointISBN, EndpointAuthor:
		return true
	}
	return false
}

// SourceTier tags where a lookup was served from.
type SourceTier string

const (
	// EdgeHit means the entry was served from the ephemeral edge tier.
	EdgeHit SourceTier = "EDGE_HIT"
	// DurableHit means the entry was served from the durable tier; the edge
	// tier is backfilled asynchronously.
	DurableHit SourceTier = "DURABLE_HIT"
	// ColdDeferred means the payload is archived: the caller gets a miss
	// immediately while rehydration runs in the background.
	ColdDeferred SourceTier = "COLD_DEFERRED"
	// OriginMiss means no tier holds the entry.
	OriginMiss SourceTier = "ORIGIN_MISS"
)

// CacheEntry is the unit stored in the edge and durable tiers. The payload is
// an opaque serialized blob; the cache never interprets it.
type CacheEntry struct {
	Key          string        `json:"key"`
	Payload      []byte        `json:"payload"`
	EndpointType EndpointType  `json:"endpoint_type"`
	CachedAt     time.Time     `json:"cached_at"`
	TTL          time.Duration `json:"ttl"`
	Tier         string        `json:"tier,omitempty"`
}

// Expired reports whether the entry has outlived its TTL at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CachedAt) > e.TTL
}

// ColdIndexEntry is the durable-tier pointer left behind when an entry's
// payload is moved to cold storage. It exists if and only if the payload is
// absent from the hot tiers and present in cold storage.
type ColdIndexEntry struct {
	OriginalKey    string        `json:"original_key"`
	ColdObjectPath string        `json:"cold_object_path"`
	ArchivedAt     time.Time     `json:"archived_at"`
	OriginalTTL    time.Duration `json:"original_ttl"`
	ReasonSummary  string        `json:"reason_summary"`
}

// JobStatus is the lifecycle state of a warming job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
)

// WarmingJob tracks one seed-batch ingestion through the warming pipeline.
// Immutable once Status is JobCompleted.
type WarmingJob struct {
	JobID       string     `json:"job_id"`
	SeedCount   int        `json:"seed_count"`
	MaxDepth    int        `json:"max_depth"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MessageSource distinguishes seed entities from ones found during traversal.
type MessageSource string

const (
	SourceSeed       MessageSource = "seed"
	SourceDiscovered MessageSource = "discovered"
)

// DiscoveryMessage is one unit of warming work: fetch an entity's works,
// cache them, and fan out to related entities while depth < the job bound.
type DiscoveryMessage struct {
	EntityName string        `json:"entity_name"`
	Depth      int           `json:"depth"`
	Source     MessageSource `json:"source"`
	JobID      string        `json:"job_id"`
	QueuedAt   time.Time     `json:"queued_at"`
}

// ProcessedMarker records that an entity was already warmed at a given depth.
// A message is redundant when a marker exists with MarkedDepth <= the message
// depth; a deeper discovery overwrites the marker.
type ProcessedMarker struct {
	EntityName   string    `json:"entity_name"`
	MarkedDepth  int       `json:"marked_depth"`
	WorksCount   int       `json:"works_count"`
	LastWarmedAt time.Time `json:"last_warmed_at"`
}

// WorkRecord is the uniform record shape returned by every book provider
// regardless of backing source.
type WorkRecord struct {
	Title       string   `json:"title"`
	AuthorNames []string `json:"author_names"`
	ISBN        string   `json:"isbn,omitempty"`
	PublishYear int      `json:"publish_year,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
}

// Cohort is one arm of a tuning experiment.
type Cohort struct {
	Name           string  `json:"name" yaml:"name"`
	ParameterValue string  `json:"parameter_value" yaml:"parameter_value"`
	Weight         float64 `json:"weight" yaml:"weight"`
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentActive    ExperimentStatus = "active"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentPromoted  ExperimentStatus = "promoted"
)

// Experiment varies one policy parameter across cohorts for one endpoint type.
type Experiment struct {
	Name            string           `json:"name" yaml:"name"`
	EndpointType    EndpointType     `json:"endpoint_type" yaml:"endpoint_type"`
	Parameter       string           `json:"parameter" yaml:"parameter"`
	Cohorts         []Cohort         `json:"cohorts" yaml:"cohorts"`
	MetricNames     []string         `json:"metric_names" yaml:"metric_names"`
	DurationSeconds int              `json:"duration_seconds" yaml:"duration_seconds"`
	StartedAt       time.Time        `json:"started_at" yaml:"started_at"`
	Status          ExperimentStatus `json:"status" yaml:"status"`
}

// Ended reports whether the experiment's configured duration has elapsed.
func (e *Experiment) Ended(now time.Time) bool {
	return now.Sub(e.StartedAt) >= time.Duration(e.DurationSeconds)*time.Second
}

// AlertSeverity grades a threshold breach.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertThreshold is one row of the static threshold table. Comparison is
// "above" (breach when the observed value exceeds ComparisonValue) or "below"
// (breach when it falls under, e.g. an edge-hit-rate floor).
type AlertThreshold struct {
	MetricName      string        `json:"metric_name" yaml:"metric_name"`
	Severity        AlertSeverity `json:"severity" yaml:"severity"`
	Comparison      string        `json:"comparison" yaml:"comparison"`
	ComparisonValue float64       `json:"comparison_value" yaml:"comparison_value"`
}

// AlertInstance is a point-in-time breach record. The sorted set of breached
// metric names keys deduplication within the cooldown window.
type AlertInstance struct {
	ID              string             `json:"id"`
	Severity        AlertSeverity      `json:"severity"`
	BreachedMetrics []string           `json:"breached_metrics"`
	Values          map[string]float64 `json:"values"`
	Message         string             `json:"message"`
	Timestamp       time.Time          `json:"timestamp"`
}

// OperationEvent is the structured metric event emitted by every orchestrator
// get and set.
type OperationEvent struct {
	Operation string        `json:"operation"`
	Key       string        `json:"key"`
	Tier      SourceTier    `json:"tier"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// MetricsSnapshot is the cached, externally served view of recent cache
// behavior.
type MetricsSnapshot struct {
	Window             time.Duration      `json:"window"`
	GeneratedAt        time.Time          `json:"generated_at"`
	HitRates           map[string]float64 `json:"hit_rates"`
	LatencyPercentiles map[string]float64 `json:"latency_percentiles_ms"`
	RequestVolume      int64              `json:"request_volume"`
	EstimatedCostUSD   float64            `json:"estimated_cost_usd"`
	HealthStatus       string             `json:"health_status"`
}
