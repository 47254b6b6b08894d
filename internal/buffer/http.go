package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// NewHandler serves the replay buffer over HTTP:
//
//	GET  /healthz
//	GET  /stats
//	GET  /config, POST /config {"policy": "..."}
//	POST /enqueue  EnqueueRequest
//	GET  /sample?batch=B&length=L  SampleResponse, 204 while too little data is stored
func NewHandler(replay *ReplayBuffer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, replay.Stats())
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]any{
				"policy":   replay.Policy(),
				"capacity": replay.Capacity(),
			})
		case http.MethodPost:
			var payload struct {
				Policy *string `json:"policy"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if payload.Policy != nil {
				if err := replay.SetPolicy(Policy(*payload.Policy)); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				logger.Info("sampling policy changed", "policy", *payload.Policy)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/enqueue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		now := time.Now()

		var rejected int
		for _, ep := range req.Episodes {
			if err := replay.Add(ep, now); err != nil {
				logger.Warn("episode rejected", "episode_id", ep.ID, "worker_id", ep.WorkerID, "error", err)
				rejected++
			}
		}
		if rejected > 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/sample", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		batch, err1 := strconv.Atoi(r.URL.Query().Get("batch"))
		length, err2 := strconv.Atoi(r.URL.Query().Get("length"))
		if err1 != nil || err2 != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sample, err := replay.Sample(batch, length)
		if errors.Is(err, ErrInsufficientData) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, SampleResponse{Batch: sample})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// Client talks to a remote replay buffer.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// Enqueue posts episodes and returns the response status code.
func (c *Client) Enqueue(ctx context.Context, episodes []Episode) (int, error) {
	body, err := json.Marshal(EnqueueRequest{
		BatchSentAtMs: time.Now().UnixMilli(),
		Episodes:      episodes,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/enqueue", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Sample fetches a sequence batch. A 204 response maps to
// InsufficientDataError.
func (c *Client) Sample(ctx context.Context, batch, length int) (SequenceBatch, error) {
	q := url.Values{}
	q.Set("batch", strconv.Itoa(batch))
	q.Set("length", strconv.Itoa(length))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sample?"+q.Encode(), nil)
	if err != nil {
		return SequenceBatch{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return SequenceBatch{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return SequenceBatch{}, &InsufficientDataError{Need: length}
	default:
		return SequenceBatch{}, fmt.Errorf("replay buffer returned %s", resp.Status)
	}
	var payload SampleResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return SequenceBatch{}, err
	}
	return payload.Batch, nil
}
