package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

type loadOptions struct {
	Sessions int
	Turns    int
	Message  string
	Keep     bool
}

type apiError struct {
	Error string `json:"error"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type turnView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sessionView struct {
	History []turnView `json:"history"`
}

func newClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
}

type report struct {
	Sessions  int
	Turns     int
	Elapsed   time.Duration
	Latencies []time.Duration
	Replies   map[string]string
}

func (r *report) percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(p*float64(len(sorted)-1))]
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "sessions=%d turns=%d elapsed=%s\n", r.Sessions, r.Turns, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "latency p50=%s p90=%s max=%s\n",
		r.percentile(0.5).Round(time.Millisecond),
		r.percentile(0.9).Round(time.Millisecond),
		r.percentile(1).Round(time.Millisecond))
	for id, reply := range r.Replies {
		fmt.Fprintf(w, "  %s: %q\n", id, reply)
	}
}

func runLoad(ctx context.Context, client *resty.Client, opts loadOptions) (*report, error) {
	rep := &report{Sessions: opts.Sessions, Turns: opts.Turns, Replies: make(map[string]string)}
	var mu sync.Mutex

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Sessions; i++ {
		g.Go(func() error {
			id, err := createSession(ctx, client)
			if err != nil {
				return err
			}

			var last string
			for turn := 0; turn < opts.Turns; turn++ {
				began := time.Now()
				reply, err := converse(ctx, client, id, opts.Message)
				if err != nil {
					return fmt.Errorf("session %s turn %d: %w", id, turn, err)
				}
				mu.Lock()
				rep.Latencies = append(rep.Latencies, time.Since(began))
				mu.Unlock()
				last = reply
			}

			if err := checkHistory(ctx, client, id, opts.Turns); err != nil {
				return err
			}

			mu.Lock()
			rep.Replies[id] = last
			mu.Unlock()

			if opts.Keep {
				return nil
			}
			return terminate(ctx, client, id)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

func failure(resp *resty.Response, apiErr *apiError) error {
	msg := apiErr.Error
	if msg == "" {
		msg = resp.String()
	}
	return fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), msg)
}

func createSession(ctx context.Context, client *resty.Client) (string, error) {
	var out createResponse
	var apiErr apiError
	resp, err := client.R().SetContext(ctx).SetResult(&out).SetError(&apiErr).Post("/api/sessions")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", failure(resp, &apiErr)
	}
	return out.SessionID, nil
}

func converse(ctx context.Context, client *resty.Client, id, message string) (string, error) {
	var out chatResponse
	var apiErr apiError
	resp, err := client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(map[string]string{"message": message}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/sessions/{id}/chat")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", failure(resp, &apiErr)
	}
	return out.Response, nil
}

func checkHistory(ctx context.Context, client *resty.Client, id string, turns int) error {
	var out sessionView
	var apiErr apiError
	resp, err := client.R().SetContext(ctx).SetPathParam("id", id).SetResult(&out).SetError(&apiErr).Get("/api/sessions/{id}")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return failure(resp, &apiErr)
	}

	if want := 1 + 2*turns; len(out.History) != want {
		return fmt.Errorf("session %s: history has %d turns, want %d", id, len(out.History), want)
	}
	if out.History[0].Role != "system" {
		return fmt.Errorf("session %s: first turn is %q, want system", id, out.History[0].Role)
	}
	for i := 1; i < len(out.History); i += 2 {
		if out.History[i].Role != "user" || out.History[i+1].Role != "assistant" {
			return fmt.Errorf("session %s: turns %d-%d out of order", id, i, i+1)
		}
	}
	return nil
}

func terminate(ctx context.Context, client *resty.Client, id string) error {
	var apiErr apiError
	resp, err := client.R().SetContext(ctx).SetPathParam("id", id).SetError(&apiErr).Delete("/api/sessions/{id}")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return failure(resp, &apiErr)
	}
	return nil
}
