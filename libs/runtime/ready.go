package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// NewBaseMuxWithReady returns a mux with /healthz (liveness, always ok)
// and /readyz (runs the checks concurrently, 2s budget each, reports
// per-dependency status as JSON).
func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		statuses := make(map[string]string, len(checks))
		healthy := true

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, check := range checks {
			if check.Check == nil {
				continue
			}
			name := check.Name
			if name == "" {
				name = "dependency"
			}
			wg.Add(1)
			go func(name string, check func(context.Context) error) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				err := check(ctx)
				cancel()

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					statuses[name] = err.Error()
					healthy = false
				} else {
					statuses[name] = "ok"
				}
			}(name, check.Check)
		}
		wg.Wait()

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":  healthy,
			"checks": statuses,
		})
	})
	return mux
}
