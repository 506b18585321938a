// Command mock-backends serves stand-ins for incident-sentinel's external
// integrations so the pipeline can run end to end on a laptop: a reasoning
// endpoint speaking the messages API shape, a chat webhook sink, and a
// paging events sink.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"
)

const analysisText = "```json\n" + `{
  "severity": "high",
  "title": "Container crash looping after repeated OOM terminations",
  "root_cause": "Container memory limit too low for current workload",
  "impact": "Pod is unavailable and restarting continuously",
  "immediate_actions": ["Check container logs for the failing process", "Describe the pod and review recent events"],
  "resolution_steps": ["Raise the container memory limit", "Redeploy and watch restart count"],
  "prevention": ["Add memory usage alerts before limits are hit"]
}` + "\n```"

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		if r.Header.Get("x-api-key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"id":   "msg_mock_001",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": analysisText},
			},
			"stop_reason": "end_turn",
		})
	})

	mux.HandleFunc("/slack/webhook", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Blocks []json.RawMessage `json:"blocks"`
		}
		_ = json.Unmarshal(body, &payload)
		log.Printf("slack sink: %d blocks, %d bytes", len(payload.Blocks), len(body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/pagerduty/enqueue", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var payload struct {
			DedupKey string `json:"dedup_key"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		log.Printf("pagerduty sink: dedup_key=%s", payload.DedupKey)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{
			"status":    "success",
			"dedup_key": payload.DedupKey,
		})
	})

	logger := log.New(log.Writer(), "mock-backends ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
