package tierstore

// Metrics receives counters from the coordinator. The Prometheus
// implementation lives in internal/metrics.
type Metrics interface {
	FileStored(tier Tier, size int64)
	FileDeleted(tier Tier, physicalOK bool)
	ChunkSaved()
	MergeFinished(result string)
	SessionsAbandoned(n int)
	OrphansReclaimed(tier Tier, n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) FileStored(Tier, int64)     {}
func (NopMetrics) FileDeleted(Tier, bool)     {}
func (NopMetrics) ChunkSaved()                {}
func (NopMetrics) MergeFinished(string)       {}
func (NopMetrics) SessionsAbandoned(int)      {}
func (NopMetrics) OrphansReclaimed(Tier, int) {}
