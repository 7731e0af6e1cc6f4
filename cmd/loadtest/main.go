// Command loadtest drives a running filebot with a mixed FileMan workload:
// it seeds patients, then issues gets, finds, lists and updates from
// concurrent workers and reports latency per operation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type request struct {
	File    string            `json:"file"`
	IEN     string            `json:"ien,omitempty"`
	Fields  string            `json:"fields,omitempty"`
	Flags   string            `json:"flags,omitempty"`
	Value   string            `json:"value,omitempty"`
	Field   string            `json:"field,omitempty"`
	Max     int               `json:"max,omitempty"`
	Screen  string            `json:"screen,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

type result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Errors  []string        `json:"errors"`
}

// weighted operation mix; weights need not sum to anything in particular
var mix = []struct {
	op     string
	weight int
}{
	{"gets", 50},
	{"find", 25},
	{"list", 10},
	{"update", 10},
	{"summary", 5},
}

func pickOp(r *rand.Rand) string {
	total := 0
	for _, m := range mix {
		total += m.weight
	}
	n := r.IntN(total)
	for _, m := range mix {
		if n < m.weight {
			return m.op
		}
		n -= m.weight
	}
	return mix[0].op
}

var surnames = []string{"SMITH", "JOHNSON", "WILLIAMS", "BROWN", "JONES", "GARCIA", "MILLER", "DAVIS", "WILSON", "MOORE"}
var given = []string{"JAMES", "MARY", "ROBERT", "PATRICIA", "JOHN", "JENNIFER", "MICHAEL", "LINDA"}

type opStats struct {
	mu        sync.Mutex
	latencies []time.Duration
	failures  int
}

type stats struct {
	total  atomic.Int64
	errors atomic.Int64
	mu     sync.Mutex
	byOp   map[string]*opStats
}

func newStats() *stats {
	return &stats{byOp: make(map[string]*opStats)}
}

func (s *stats) record(op string, elapsed time.Duration, err error) {
	s.total.Add(1)
	s.mu.Lock()
	o, ok := s.byOp[op]
	if !ok {
		o = &opStats{}
		s.byOp[op] = o
	}
	s.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		s.errors.Add(1)
		o.failures++
		return
	}
	o.latencies = append(o.latencies, elapsed)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, op string, req request) (result, error) {
	var (
		httpReq *http.Request
		err     error
	)
	if op == "summary" {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/patients/"+req.IEN+"/summary", nil)
	} else {
		body, _ := json.Marshal(req)
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/fileman/"+op, bytes.NewReader(body))
	}
	if err != nil {
		return result{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return result{}, err
	}
	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		return result{}, fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if !res.Success {
		return res, fmt.Errorf("%s: status %d: %v", op, resp.StatusCode, res.Errors)
	}
	return res, nil
}

func seed(ctx context.Context, c *client, n int) ([]string, error) {
	iens := make([]string, 0, n)
	for i := range n {
		name := fmt.Sprintf("%s,%s", surnames[i%len(surnames)], given[(i/len(surnames))%len(given)])
		res, err := c.call(ctx, "create", request{File: "2", Data: map[string]string{
			".01": name,
			".02": []string{"M", "F"}[i%2],
			".03": fmt.Sprintf("%02d/%02d/%d", i%12+1, i%28+1, 1940+i%60),
			".09": fmt.Sprintf("%09d", 100000000+i),
		}})
		if err != nil {
			return iens, err
		}
		var created map[string]string
		if err := json.Unmarshal(res.Data, &created); err != nil {
			return iens, err
		}
		iens = append(iens, created["ien"])
	}
	return iens, nil
}

func buildRequest(r *rand.Rand, op string, iens []string) request {
	ien := iens[r.IntN(len(iens))]
	switch op {
	case "gets":
		return request{File: "2", IEN: ien, Fields: ".01;.02;.03;.09", Flags: "IE"}
	case "find":
		return request{File: "2", Value: surnames[r.IntN(len(surnames))], Max: 20}
	case "list":
		return request{File: "2", Fields: ".01", Max: 50, Screen: `piece(zero, 2) == "F"`}
	case "update":
		return request{File: "2", IEN: ien, Data: map[string]string{".02": []string{"M", "F"}[r.IntN(2)]}}
	}
	return request{File: "2", IEN: ien}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the filebot service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	patients := flag.Int("patients", 200, "patients to seed before the run")
	rps := flag.Float64("rps", 0, "overall request rate limit, 0 for unlimited")
	flag.Parse()

	c := &client{
		base: *baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        *concurrency * 2,
				MaxIdleConnsPerHost: *concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	fmt.Println("=== FileBot Load Test ===")
	fmt.Printf("Target:      %s\n", c.base)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Duration:    %s\n", *duration)

	iens, err := seed(context.Background(), c, *patients)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seeding failed after %d patients: %v\n", len(iens), err)
		os.Exit(1)
	}
	fmt.Printf("Seeded:      %d patients\n\n", len(iens))

	limiter := rate.NewLimiter(rate.Inf, 0)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), max(1, int(*rps)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	s := newStats()
	var wg sync.WaitGroup
	for w := range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				op := pickOp(r)
				start := time.Now()
				_, err := c.call(ctx, op, buildRequest(r, op, iens))
				if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
					return
				}
				s.record(op, time.Since(start), err)
			}
		}()
	}
	wg.Wait()
	report(s, *duration)
}

func report(s *stats, d time.Duration) {
	total := s.total.Load()
	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Errors:          %d\n", s.errors.Load())
	if total == 0 {
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
	fmt.Printf("Requests/sec:    %.2f\n\n", float64(total)/d.Seconds())

	ops := make([]string, 0, len(s.byOp))
	for op := range s.byOp {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	fmt.Printf("%-8s %8s %6s %10s %10s %10s %10s\n", "op", "count", "fail", "p50", "p95", "p99", "max")
	for _, op := range ops {
		o := s.byOp[op]
		lat := slices.Clone(o.latencies)
		slices.Sort(lat)
		var maxLat time.Duration
		if len(lat) > 0 {
			maxLat = lat[len(lat)-1]
		}
		fmt.Printf("%-8s %8d %6d %10s %10s %10s %10s\n", op, len(lat), o.failures,
			percentile(lat, 50), percentile(lat, 95), percentile(lat, 99), maxLat)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
