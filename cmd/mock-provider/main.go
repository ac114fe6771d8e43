// mock-provider is a fake Telegram Bot API for local runs: point
// TELEGRAM_BASE_URL at it and script the outcomes the worker should
// see (blocked users, rate limits, timeouts) without a real bot.
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type mockConfig struct {
	Port        string `envconfig:"PORT" default:"8081"`
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	DelayMs     int    `envconfig:"MOCK_DELAY_MS" default:"0"`
	RetryAfterS int    `envconfig:"MOCK_RETRY_AFTER_SECONDS" default:"3"`

	Outcomes []string
	Delay    time.Duration
}

type apiResult struct {
	Ok          bool           `json:"ok"`
	Result      map[string]any `json:"result,omitempty"`
	ErrorCode   int            `json:"error_code,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type mockServer struct {
	cfg   mockConfig
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &mockServer{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	r := mux.NewRouter()
	r.HandleFunc("/bot{token}/{method}", s.handleMethod).Methods(http.MethodPost)

	slog.Info("mock telegram listening", "port", cfg.Port, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		slog.Error("mock telegram server failed", "err", err)
		os.Exit(1)
	}
}

func (s *mockServer) handleMethod(w http.ResponseWriter, r *http.Request) {
	method := mux.Vars(r)["method"]
	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	outcome := s.nextOutcome()
	slog.Info("mock telegram request", "method", method, "outcome", outcome)

	switch outcome {
	case "blocked":
		writeJSON(w, http.StatusForbidden, apiResult{
			Ok: false, ErrorCode: 403,
			Description: "Forbidden: bot was blocked by the user",
		})
	case "rate_limit":
		writeJSON(w, http.StatusTooManyRequests, apiResult{
			Ok: false, ErrorCode: 429,
			Description: "Too Many Requests: retry after " + strconv.Itoa(s.cfg.RetryAfterS),
			Parameters:  map[string]any{"retry_after": s.cfg.RetryAfterS},
		})
	case "too_large":
		writeJSON(w, http.StatusRequestEntityTooLarge, apiResult{
			Ok: false, ErrorCode: 413,
			Description: "Request Entity Too Large",
		})
	case "timeout":
		// Let the client-side deadline fire.
		select {
		case <-r.Context().Done():
		case <-time.After(60 * time.Second):
		}
	case "server_error":
		writeJSON(w, http.StatusInternalServerError, apiResult{
			Ok: false, ErrorCode: 500,
			Description: "Internal Server Error",
		})
	default:
		id := atomic.AddUint64(&s.idx, 1)
		writeJSON(w, http.StatusOK, apiResult{
			Ok:     true,
			Result: map[string]any{"message_id": id},
		})
	}
}

func (s *mockServer) nextOutcome() string {
	switch strings.ToLower(s.cfg.OutcomeMode) {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
