package opt

import (
	"sync"
	"time"

	"fieldroute/internal/model"
)

// RunStats summarizes optimizer runs for one tenant and strategy.
type RunStats struct {
	Runs            int       `json:"runs"`
	Failures        int       `json:"failures"`
	LastDistanceKm  float64   `json:"lastDistanceKm"`
	LastDurationMin float64   `json:"lastDurationMin"`
	LastStops       int       `json:"lastStops"`
	LastElapsedMs   int64     `json:"lastElapsedMs"`
	LastError       string    `json:"lastError,omitempty"`
	LastRunAt       time.Time `json:"lastRunAt"`
}

type statsKey struct {
	Tenant   string
	Strategy model.OptimizationType
}

// StatsStore keeps per-tenant optimizer run summaries in memory.
type StatsStore struct {
	mu sync.Mutex
	m  map[statsKey]RunStats
}

func NewStatsStore() *StatsStore { return &StatsStore{m: map[statsKey]RunStats{}} }

func (s *StatsStore) Record(tenant string, strategy model.OptimizationType, res *model.OptimizedRoute, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := statsKey{Tenant: tenant, Strategy: strategy}
	st := s.m[k]
	st.Runs++
	st.LastElapsedMs = elapsed.Milliseconds()
	st.LastRunAt = time.Now().UTC()
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else if res != nil {
		st.LastError = ""
		st.LastDistanceKm = res.TotalDistanceKm
		st.LastDurationMin = res.TotalDurationMin
		st.LastStops = len(res.Stops)
	}
	s.m[k] = st
}

// Snapshot returns the stats recorded for tenant keyed by strategy.
func (s *StatsStore) Snapshot(tenant string) map[model.OptimizationType]RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.OptimizationType]RunStats{}
	for k, v := range s.m {
		if k.Tenant == tenant {
			out[k.Strategy] = v
		}
	}
	return out
}
