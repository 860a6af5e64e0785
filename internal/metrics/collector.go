// Package metrics aggregates queue, check and forge observations in memory
// and optionally forwards them to Prometheus. The in-memory collector backs
// the /api/v1/stats endpoints; the Prometheus recorder backs /metrics.
package metrics

import (
	"sync"
	"time"
)

// DefaultMaxHistory bounds each sample stream.
const DefaultMaxHistory = 1000

// Sample is one timestamped observation in a bounded stream.
type Sample struct {
	At    time.Time `json:"at"`
	Key   string    `json:"key"`
	Value float64   `json:"value"`
}

// Summary is the read-only aggregate exposed over the stats API.
type Summary struct {
	EntriesProcessed  int64              `json:"entries_processed"`
	EntriesSucceeded  int64              `json:"entries_succeeded"`
	EntriesFailed     int64              `json:"entries_failed"`
	EntriesCancelled  int64              `json:"entries_cancelled"`
	ProcessorErrors   int64              `json:"processor_errors"`
	ForcedShutdowns   int64              `json:"forced_shutdowns"`
	AbortedTasks      int64              `json:"aborted_tasks"`
	EventsIngested    map[string]int64   `json:"events_ingested"`
	ForgeRequests     map[string]int64   `json:"forge_requests"`
	SuccessRate       float64            `json:"success_rate"`
	AvgProcessingTime float64            `json:"avg_processing_time_seconds"`
	CurrentQueueSizes map[string]int     `json:"current_queue_sizes"`
	RecentSamples     []Sample           `json:"recent_samples"`
	CheckOutcomes     map[string]int64   `json:"check_outcomes"`
	AvgCheckDuration  map[string]float64 `json:"avg_check_duration_seconds"`
}

// QueueSummary is the per-queue slice of the aggregate.
type QueueSummary struct {
	QueueID           string   `json:"queue_id"`
	CurrentSize       int      `json:"current_size"`
	EntriesProcessed  int64    `json:"entries_processed"`
	AvgProcessingTime float64  `json:"avg_processing_time_seconds"`
	RecentLengths     []Sample `json:"recent_lengths"`
}

// Collector is the concurrency-safe in-memory record sink. The zero value is
// not usable; construct with NewCollector. A nil *Collector is safe to call,
// which keeps metric recording optional in tests.
type Collector struct {
	mu sync.Mutex

	maxHistory int
	recorder   Recorder

	processed map[string]int64 // result -> count
	perQueue  map[string]*queueStats
	queueSize map[string]int

	processorErrors int64
	forcedShutdowns int64
	abortedTasks    int64

	eventsIngested map[string]int64
	forgeRequests  map[string]int64

	checkOutcomes  map[string]int64 // "name/status" -> count
	checkDurations map[string]*durationStats

	lengthSamples   []Sample
	durationSamples []Sample
}

type queueStats struct {
	processed int64
	total     time.Duration
}

type durationStats struct {
	count int64
	total time.Duration
}

// NewCollector builds a collector. A non-nil recorder receives every
// observation in addition to the in-memory aggregation.
func NewCollector(maxHistory int, recorder Recorder) *Collector {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Collector{
		maxHistory:     maxHistory,
		recorder:       recorder,
		processed:      make(map[string]int64),
		perQueue:       make(map[string]*queueStats),
		queueSize:      make(map[string]int),
		eventsIngested: make(map[string]int64),
		forgeRequests:  make(map[string]int64),
		checkOutcomes:  make(map[string]int64),
		checkDurations: make(map[string]*durationStats),
	}
}

// RecordQueueLength stores a queue-length sample.
func (c *Collector) RecordQueueLength(queueID string, length int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueSize[queueID] = length
	c.lengthSamples = appendBounded(c.lengthSamples, Sample{
		At: time.Now().UTC(), Key: queueID, Value: float64(length),
	}, c.maxHistory)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.SetQueueSize(queueID, length)
	}
}

// RecordProcessing stores the duration and result of one entry pipeline.
// result is the terminal entry status (completed, failed, cancelled).
func (c *Collector) RecordProcessing(queueID, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.processed[result]++
	qs := c.perQueue[queueID]
	if qs == nil {
		qs = &queueStats{}
		c.perQueue[queueID] = qs
	}
	qs.processed++
	qs.total += d
	c.durationSamples = appendBounded(c.durationSamples, Sample{
		At: time.Now().UTC(), Key: queueID, Value: d.Seconds(),
	}, c.maxHistory)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.ObserveEntryProcessed(result, d)
	}
}

// RecordCheck stores one check execution outcome.
func (c *Collector) RecordCheck(name, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.checkOutcomes[name+"/"+status]++
	ds := c.checkDurations[name]
	if ds == nil {
		ds = &durationStats{}
		c.checkDurations[name] = ds
	}
	ds.count++
	ds.total += d
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.ObserveCheck(name, status, d)
	}
}

// RecordProcessorError counts a pipeline error outside an entry's own failure.
func (c *Collector) RecordProcessorError(queueID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.processorErrors++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.IncProcessorError(queueID)
	}
}

// RecordForcedShutdown counts a shutdown that had to abort running tasks.
func (c *Collector) RecordForcedShutdown(aborted int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.forcedShutdowns++
	c.abortedTasks += int64(aborted)
	c.mu.Unlock()
}

// RecordEventIngested counts a normalized ingress event by source.
func (c *Collector) RecordEventIngested(source string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsIngested[source]++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.IncEventIngested(source)
	}
}

// ObserveForgeRequest implements the forge client's RequestObserver.
func (c *Collector) ObserveForgeRequest(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.forgeRequests[outcome]++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.IncForgeRequest(outcome)
	}
}

// Summary returns a copy of the current aggregate.
func (c *Collector) Summary() Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		EntriesSucceeded:  c.processed["completed"],
		EntriesFailed:     c.processed["failed"],
		EntriesCancelled:  c.processed["cancelled"],
		ProcessorErrors:   c.processorErrors,
		ForcedShutdowns:   c.forcedShutdowns,
		AbortedTasks:      c.abortedTasks,
		EventsIngested:    copyCounts(c.eventsIngested),
		ForgeRequests:     copyCounts(c.forgeRequests),
		CurrentQueueSizes: make(map[string]int, len(c.queueSize)),
		CheckOutcomes:     copyCounts(c.checkOutcomes),
		AvgCheckDuration:  make(map[string]float64, len(c.checkDurations)),
		RecentSamples:     append([]Sample(nil), c.durationSamples...),
	}
	for _, n := range c.processed {
		s.EntriesProcessed += n
	}
	if s.EntriesProcessed > 0 {
		s.SuccessRate = float64(s.EntriesSucceeded) / float64(s.EntriesProcessed)
	}
	var totalDur time.Duration
	var totalCount int64
	for id, qs := range c.perQueue {
		totalDur += qs.total
		totalCount += qs.processed
		_ = id
	}
	if totalCount > 0 {
		s.AvgProcessingTime = totalDur.Seconds() / float64(totalCount)
	}
	for id, n := range c.queueSize {
		s.CurrentQueueSizes[id] = n
	}
	for name, ds := range c.checkDurations {
		if ds.count > 0 {
			s.AvgCheckDuration[name] = ds.total.Seconds() / float64(ds.count)
		}
	}
	return s
}

// QueueSummary returns the aggregate slice for one queue.
func (c *Collector) QueueSummary(queueID string) QueueSummary {
	if c == nil {
		return QueueSummary{QueueID: queueID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	qs := QueueSummary{
		QueueID:     queueID,
		CurrentSize: c.queueSize[queueID],
	}
	if st := c.perQueue[queueID]; st != nil {
		qs.EntriesProcessed = st.processed
		if st.processed > 0 {
			qs.AvgProcessingTime = st.total.Seconds() / float64(st.processed)
		}
	}
	for _, sample := range c.lengthSamples {
		if sample.Key == queueID {
			qs.RecentLengths = append(qs.RecentLengths, sample)
		}
	}
	return qs
}

func appendBounded(samples []Sample, s Sample, limit int) []Sample {
	samples = append(samples, s)
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
