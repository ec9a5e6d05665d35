package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Gemini API.
//
// Served paths:
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent?alt=sse
//	GET  /v1beta/models           (list models, used by the health prober)
//
// The relay always requests streams with alt=sse; without it the stream
// falls back to the JSON-array framing the REST API uses natively.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-1.5-pro:generateContent
		model := extractModel(path)

		var stream bool
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			return
		}

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldRateLimit(cfg) {
			writeGeminiErrorStatus(w, http.StatusTooManyRequests, "mock rate limit", "RESOURCE_EXHAUSTED")
			return
		}
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		handleGeminiGenerate(w, r, cfg, model, stream)
	})

	// GET /v1beta/models — health prober
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-1.5-pro",
					"displayName": "Gemini 1.5 Pro",
					"description": "Mock Gemini 1.5 Pro",
				},
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	usage := map[string]int{
		"promptTokenCount":     inTokens,
		"candidatesTokenCount": outTokens,
		"totalTokenCount":      inTokens + outTokens,
	}

	if !stream {
		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []any{geminiCandidate(content, "STOP")},
			"usageMetadata": usage,
			"responseId":   id,
			"modelVersion": model,
		})
		return
	}

	if r.URL.Query().Get("alt") != "sse" {
		// Native REST framing: one JSON array of responses.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]any{map[string]any{
			"candidates":    []any{geminiCandidate(content, "STOP")},
			"usageMetadata": usage,
			"responseId":    id,
			"modelVersion":  model,
		}})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	words := strings.Fields(content)
	for i, word := range words {
		chunk := map[string]any{
			"candidates":   []any{geminiCandidate(word+" ", "")},
			"responseId":   id,
			"modelVersion": model,
		}
		if i == len(words)-1 {
			chunk["candidates"] = []any{geminiCandidate(word+" ", "STOP")}
			chunk["usageMetadata"] = usage
		}
		send(chunk)
	}
}

func geminiCandidate(text, finish string) map[string]any {
	c := map[string]any{
		"content": map[string]any{
			"role": "model",
			"parts": []map[string]string{
				{"text": text},
			},
		},
		"index": 0,
	}
	if finish != "" {
		c["finishReason"] = finish
	}
	return c
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeGeminiErrorStatus(w, status, msg, "INTERNAL")
}

func writeGeminiErrorStatus(w http.ResponseWriter, status int, msg, grpcStatus string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  grpcStatus,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-1.5-pro:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-1.5-pro"
}
