// Command loadtest sends synthetic events to a running sketch counter and
// compares one of the resulting counts with the exact number of distinct
// ids it sent.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Dataset    string            `json:"dataset"`
	DistinctID string            `json:"distinct_id"`
	Fields     map[string]string `json:"fields"`
}

type Stats struct {
	sent       atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	latencyNs  atomic.Uint64
	minLatency atomic.Uint64
	maxLatency atomic.Uint64
}

// tracker remembers the distinct ids sent with field0=value0.
type tracker struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (t *tracker) add(id string) {
	t.mu.Lock()
	t.ids[id] = struct{}{}
	t.mu.Unlock()
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "Sketch counter URL")
		dataset     = flag.String("dataset", "loadtest", "Dataset name")
		rate        = flag.Int("rate", 100, "Events per second")
		duration    = flag.Duration("duration", 10*time.Second, "Test duration")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		batchSize   = flag.Int("batch", 1, "Events per request")
		fields      = flag.Int("fields", 3, "Fields per event")
		cardinality = flag.Int("cardinality", 5, "Distinct values per field")
		ids         = flag.Int("ids", 100000, "Size of the distinct id space")
	)
	flag.Parse()

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Dataset: %s\n", *dataset)
	fmt.Printf("  Target Rate: %d events/sec\n", *rate)
	fmt.Printf("  Duration: %v\n", *duration)
	fmt.Printf("  Concurrency: %d workers\n", *concurrency)
	fmt.Printf("  Batch Size: %d events/request\n", *batchSize)
	fmt.Printf("  Fields: %d x %d values, %d ids\n", *fields, *cardinality, *ids)
	fmt.Println()

	stats := &Stats{}
	stats.minLatency.Store(^uint64(0))
	tracked := &tracker{ids: make(map[string]struct{})}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: *concurrency,
			MaxConnsPerHost:     *concurrency * 2,
		},
		Timeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	gen := generator{
		dataset:     *dataset,
		fields:      *fields,
		cardinality: *cardinality,
		ids:         *ids,
		tracked:     tracked,
	}
	perWorker := max(1, *rate / *concurrency / *batchSize)
	interval := time.Second / time.Duration(perWorker)

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go worker(ctx, i, client, *baseURL, gen, *batchSize, interval, stats, &wg)
	}

	go statsReporter(ctx, stats)

	wg.Wait()

	printFinalStats(stats, *duration)
	if *fields > 0 && *cardinality > 0 {
		verify(client, *baseURL, *dataset, tracked.len())
	}
}

type generator struct {
	dataset     string
	fields      int
	cardinality int
	ids         int
	tracked     *tracker
}

func (g generator) next(rng *rand.Rand) Event {
	e := Event{
		Dataset:    g.dataset,
		DistinctID: fmt.Sprintf("user_%d", rng.Intn(g.ids)),
		Fields:     make(map[string]string, g.fields),
	}
	for f := 0; f < g.fields; f++ {
		e.Fields[fmt.Sprintf("field%d", f)] = fmt.Sprintf("value%d", rng.Intn(g.cardinality))
	}
	if e.Fields["field0"] == "value0" {
		g.tracked.add(e.DistinctID)
	}
	return e
}

func worker(ctx context.Context, id int, client *http.Client, baseURL string, gen generator,
	batchSize int, interval time.Duration, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events := make([]Event, batchSize)
			for i := range events {
				events[i] = gen.next(rng)
			}
			sendEvents(client, baseURL, events, stats)
		}
	}
}

func sendEvents(client *http.Client, baseURL string, events []Event, stats *Stats) {
	stats.sent.Add(uint64(len(events)))
	start := time.Now()

	var body []byte
	var err error
	if len(events) == 1 {
		body, err = json.Marshal(events[0])
	} else {
		body, err = json.Marshal(map[string][]Event{"events": events})
	}
	if err != nil {
		stats.failed.Add(uint64(len(events)))
		return
	}

	req, err := http.NewRequest("POST", baseURL+"/v1/events", bytes.NewBuffer(body))
	if err != nil {
		stats.failed.Add(uint64(len(events)))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		stats.failed.Add(uint64(len(events)))
		return
	}
	defer resp.Body.Close()

	latency := uint64(time.Since(start).Nanoseconds())
	if resp.StatusCode != http.StatusOK {
		stats.failed.Add(uint64(len(events)))
		return
	}
	stats.succeeded.Add(uint64(len(events)))
	stats.latencyNs.Add(latency)

	for {
		min := stats.minLatency.Load()
		if latency >= min || stats.minLatency.CompareAndSwap(min, latency) {
			break
		}
	}
	for {
		max := stats.maxLatency.Load()
		if latency <= max || stats.maxLatency.CompareAndSwap(max, latency) {
			break
		}
	}
}

func statsReporter(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastSent, lastSucceeded, lastFailed uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sent := stats.sent.Load()
		succeeded := stats.succeeded.Load()
		failed := stats.failed.Load()

		fmt.Printf("[%s] Sent: %d/s, Success: %d/s, Failed: %d/s\n",
			time.Now().Format("15:04:05"),
			sent-lastSent, succeeded-lastSucceeded, failed-lastFailed)

		lastSent, lastSucceeded, lastFailed = sent, succeeded, failed
	}
}

func printFinalStats(stats *Stats, duration time.Duration) {
	sent := stats.sent.Load()
	succeeded := stats.succeeded.Load()
	failed := stats.failed.Load()

	fmt.Println("\n=== Final Statistics ===")
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Total Events Sent: %d\n", sent)
	if sent == 0 {
		return
	}
	fmt.Printf("Total Succeeded: %d (%.2f%%)\n", succeeded, float64(succeeded)*100/float64(sent))
	fmt.Printf("Total Failed: %d (%.2f%%)\n", failed, float64(failed)*100/float64(sent))
	fmt.Printf("Average Rate: %.2f events/sec\n", float64(sent)/duration.Seconds())

	if succeeded > 0 {
		fmt.Printf("Average Latency: %v\n", time.Duration(stats.latencyNs.Load()/succeeded))
		fmt.Printf("Min Latency: %v\n", time.Duration(stats.minLatency.Load()))
		fmt.Printf("Max Latency: %v\n", time.Duration(stats.maxLatency.Load()))
	}
}

// verify compares the service's count for field0=value0 with the number of
// distinct ids sent for it. Failed requests make the exact figure an upper
// bound.
func verify(client *http.Client, baseURL, dataset string, exact int) {
	u := fmt.Sprintf("%s/v1/counts/%s/field0/value0", baseURL, url.PathEscape(dataset))
	resp, err := client.Get(u)
	if err != nil {
		fmt.Printf("Count query failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var out struct {
		Estimate float64 `json:"estimate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Printf("Count query returned %s: %v\n", resp.Status, err)
		return
	}

	fmt.Println("\n=== Accuracy ===")
	fmt.Printf("Exact distinct ids (field0=value0): %d\n", exact)
	fmt.Printf("Estimated: %.1f\n", out.Estimate)
	if exact > 0 {
		fmt.Printf("Relative error: %.3f%%\n", math.Abs(out.Estimate-float64(exact))*100/float64(exact))
	}
}
