package progress

import "sync/atomic"

// LiveStats holds the running counters many concurrent workers update.
// All mutation goes through atomic increments; readers take snapshots.
// Counters are monotonic: per-item completion order may vary across
// goroutines, but totals never decrease.
type LiveStats struct {
	sourcesAnalyzed atomic.Int64
	fullTextRead    atomic.Int64
	abstractsRead   atomic.Int64
	totalWordsRead  atomic.Int64
	failedSources   atomic.Int64
	totalArticles   atomic.Int64

	// currentArticle holds the title of the most recently started source.
	currentArticle atomic.Value // string
}

// NewLiveStats creates counters for a request expecting total sources.
func NewLiveStats(totalArticles int) *LiveStats {
	s := &LiveStats{}
	s.totalArticles.Store(int64(totalArticles))
	s.currentArticle.Store("")
	return s
}

// SourceStarted records the title of a source entering processing.
func (s *LiveStats) SourceStarted(title string) {
	s.currentArticle.Store(title)
}

// SourceAnalyzed records one completed source with its word count.
// fullText selects which of the read counters advances.
func (s *LiveStats) SourceAnalyzed(words int, fullText bool) {
	s.sourcesAnalyzed.Add(1)
	s.totalWordsRead.Add(int64(words))
	if fullText {
		s.fullTextRead.Add(1)
	} else {
		s.abstractsRead.Add(1)
	}
}

// SourceFailed records a source that could not be processed.
func (s *LiveStats) SourceFailed() {
	s.failedSources.Add(1)
}

// StatsSnapshot is an immutable copy of the counters for one event.
type StatsSnapshot struct {
	SourcesAnalyzed int    `json:"sourcesAnalyzed"`
	FullTextRead    int    `json:"fullTextRead"`
	AbstractsRead   int    `json:"abstractsRead"`
	TotalWordsRead  int    `json:"totalWordsRead"`
	FailedSources   int    `json:"failedSources"`
	CurrentArticle  string `json:"currentArticle"`
	TotalArticles   int    `json:"totalArticles"`
}

// Snapshot captures the counters at one instant.
func (s *LiveStats) Snapshot() StatsSnapshot {
	current, _ := s.currentArticle.Load().(string)
	return StatsSnapshot{
		SourcesAnalyzed: int(s.sourcesAnalyzed.Load()),
		FullTextRead:    int(s.fullTextRead.Load()),
		AbstractsRead:   int(s.abstractsRead.Load()),
		TotalWordsRead:  int(s.totalWordsRead.Load()),
		FailedSources:   int(s.failedSources.Load()),
		CurrentArticle:  current,
		TotalArticles:   int(s.totalArticles.Load()),
	}
}
