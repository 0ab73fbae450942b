package health

import (
	"context"
	"sort"
	"sync"
	"time"

	corehealth "fazendabrasil/gonfpe/internal/core/health"
)

// Metadata contains immutable metadata about the running service.
type Metadata struct {
	Service     string
	Version     string
	Environment string
}

// CheckFunc probes one dependency. A nil error means it is reachable.
type CheckFunc func(ctx context.Context) error

// Service exposes health-check use cases to adapters.
type Service struct {
	meta      Metadata
	startedAt time.Time
	timeout   time.Duration
	checks    map[string]CheckFunc
}

func NewService(meta Metadata) *Service {
	return &Service{
		meta:      meta,
		startedAt: time.Now().UTC(),
		timeout:   2 * time.Second,
		checks:    make(map[string]CheckFunc),
	}
}

// Register adds a named dependency probe. Call before serving traffic.
func (s *Service) Register(name string, check CheckFunc) {
	s.checks[name] = check
}

// Status returns the current availability snapshot. Probes run
// concurrently, each bounded by the service timeout; any failure turns
// the overall status DEGRADED.
func (s *Service) Status(ctx context.Context) corehealth.Status {
	deps := s.probe(ctx)

	state := corehealth.StateUp
	for _, d := range deps {
		if d.Status != corehealth.StateUp {
			state = corehealth.StateDegraded
		}
	}

	uptime := time.Since(s.startedAt)
	return corehealth.Status{
		Service:      s.meta.Service,
		Version:      s.meta.Version,
		Environment:  s.meta.Environment,
		Status:       state,
		StartedAt:    s.startedAt,
		Uptime:       uptime.String(),
		UptimeSecs:   int64(uptime.Seconds()),
		Dependencies: deps,
	}
}

func (s *Service) probe(ctx context.Context) []corehealth.Dependency {
	if len(s.checks) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		deps = make([]corehealth.Dependency, 0, len(s.checks))
	)
	for name, check := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			start := time.Now()
			err := check(cctx)
			d := corehealth.Dependency{
				Name:      name,
				Status:    corehealth.StateUp,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				d.Status = "DOWN"
				d.Error = err.Error()
			}
			mu.Lock()
			deps = append(deps, d)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps
}
