// The mockvendor binary serves both vendor wire shapes locally so the
// gateway can be exercised end to end without real upstream accounts.
// Failure behavior is scriptable per request via headers:
//
//	X-Mock-Fail-Times: N   fail the first N calls to this endpoint path
//	                       (counted per path for the life of the process)
//	X-Mock-Status: 503     status to fail with (default 503)
//
// vendorA shape is served on /v1/chat/completions, vendorB on /v1/messages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

type mockState struct {
	mu    sync.Mutex
	calls map[string]int
}

func (m *mockState) next(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[key]++
	return m.calls[key]
}

func shouldFail(r *http.Request, state *mockState) (int, bool) {
	failTimes, _ := strconv.Atoi(r.Header.Get("X-Mock-Fail-Times"))
	if failTimes <= 0 {
		return 0, false
	}
	status := http.StatusServiceUnavailable
	if s, err := strconv.Atoi(r.Header.Get("X-Mock-Status")); err == nil && s >= 400 {
		status = s
	}
	if state.next(r.URL.Path) <= failTimes {
		return status, true
	}
	return 0, false
}

func main() {
	addr := flag.String("addr", ":9001", "listen address")
	flag.Parse()

	state := &mockState{calls: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if status, fail := shouldFail(r, state); fail {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			http.Error(w, `{"error":{"message":"mock failure"}}`, status)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": fmt.Sprintf("echo: %s", last)}},
			},
			"usage": map[string]int{"prompt_tokens": 10 * len(req.Messages), "completion_tokens": 20},
		})
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if status, fail := shouldFail(r, state); fail {
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			http.Error(w, `{"error":{"type":"mock_failure","message":"mock failure"}}`, status)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": fmt.Sprintf("echo: %s", last)}},
			"usage":   map[string]int{"input_tokens": 10 * len(req.Messages), "output_tokens": 20},
		})
	})

	log.Info().Str("addr", *addr).Msg("mock vendor listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal().Err(err).Msg("mock vendor failed")
	}
}
