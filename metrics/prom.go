package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClipsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_clips_saved_total",
		Help: "no. of clips saved",
	})
	ClipsRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_clips_retrieved_total",
		Help: "no. of clips returned from listings and searches",
	})
	Searches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_searches_total",
		Help: "no. of full-text searches",
	})
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_decrypt_failures_total",
		Help: "no. of clips skipped because decryption failed",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_cache_hits_total",
		Help: "no. of decrypted-clip cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_cache_misses_total",
		Help: "no. of decrypted-clip cache misses",
	})
	CleanupCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_cleanup_cycles_total",
		Help: "no. of retention cleanup cycles",
	})
	ClipsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_clips_deleted_total",
		Help: "no. of clips removed by deletes and retention",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipvault_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	IndexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_index_rebuilds_total",
		Help: "no. of full-text index rebuilds",
	})
)

func Init() {
}
