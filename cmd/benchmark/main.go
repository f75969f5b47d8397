package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"time"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

type writeMode struct {
	name  string
	query url.Values
}

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "walkv server")
		totalOps    = flag.Int("ops", 1000, "writes per mode")
		concurrency = flag.Int("c", 8, "concurrent clients")
	)
	flag.Parse()

	fmt.Println("=== walkv write benchmark ===")
	fmt.Printf("Target: %s\n\n", *baseURL)

	client := &http.Client{Timeout: 5 * time.Second}
	if !checkHealth(client, *baseURL) {
		fmt.Printf("ERROR: %s is not available\n", *baseURL)
		os.Exit(1)
	}

	modes := []writeMode{
		{"default", url.Values{}},
		{"sync", url.Values{"sync": {"true"}}},
		{"wal disabled", url.Values{"disable_wal": {"true"}}},
	}
	for _, m := range modes {
		fmt.Printf("Mode %q: %d writes, %d clients\n", m.name, *totalOps, *concurrency)
		printResult(benchmarkWrites(client, *baseURL, m, *totalOps, *concurrency))
		fmt.Println()
	}

	start := time.Now()
	if err := post(client, *baseURL+"/api/wal/flush?sync=true"); err != nil {
		fmt.Printf("FlushWAL(sync) failed: %v\n", err)
	} else {
		fmt.Printf("FlushWAL(sync): %v\n", time.Since(start))
	}
}

func checkHealth(client *http.Client, baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func benchmarkWrites(client *http.Client, baseURL string, mode writeMode, totalOps, concurrency int) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	latencies := make([]time.Duration, 0, totalOps)

	jobs := make(chan int)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				q := url.Values{}
				for k, v := range mode.query {
					q[k] = v
				}
				q.Set("key", fmt.Sprintf("bench_%d", j))
				q.Set("value", fmt.Sprintf("value_%d_%d", j, time.Now().UnixNano()))

				opStart := time.Now()
				err := put(client, baseURL+"/api/kv?"+q.Encode())
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	for j := 0; j < totalOps; j++ {
		jobs <- j
	}
	close(jobs)
	wg.Wait()

	duration := time.Since(start)
	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     totalOps - successful,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		res.AvgLatency = sum / time.Duration(len(latencies))
		res.P99Latency = latencies[len(latencies)*99/100]
		res.MaxLatency = latencies[len(latencies)-1]
	}
	return res
}

func put(client *http.Client, u string) error {
	req, err := http.NewRequest(http.MethodPut, u, nil)
	if err != nil {
		return err
	}
	return do(client, req)
}

func post(client *http.Client, u string) error {
	req, err := http.NewRequest(http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Successful: %d/%d\n", result.SuccessfulOps, result.TotalOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
