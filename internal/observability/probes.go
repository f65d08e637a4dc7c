package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/render"
)

// ReadinessResponse is the body of the readiness probe. Orchestrators only
// look at the status code; the body is for humans.
type ReadinessResponse struct {
	Ready  bool              `json:"ready"`
	Status map[string]string `json:"status"`
}

// liveness responds with 200 OK if the HTTP server is running.
// It is used by Kubernetes to restart the pod if the process is deadlocked.
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness checks all registered dependencies in parallel.
// Returns 200 OK only if all checkers pass within the configured timeout.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	resp := s.runChecks(ctx)

	if resp.Ready {
		render.Status(r, http.StatusOK)
	} else {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

func (s *Server) runChecks(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:  true,
		Status: make(map[string]string, len(s.checkers)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, checker := range s.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				// WARN, not ERROR: the orchestrator retries.
				s.logger.Warn("health probe failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				resp.Status[c.Name()] = fmt.Sprintf("down: %v", err)
				resp.Ready = false
				return
			}
			resp.Status[c.Name()] = "up"
		}(checker)
	}

	wg.Wait()
	return resp
}
