// Command load drives a bulletin-board replica with a mixed
// POST/READ workload over the TCP wire protocol and reports latency
// and throughput.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	target      = flag.String("target", "127.0.0.1:9000", "Target replica client address")
	requests    = flag.Int("requests", 1000, "Total number of requests")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	ratio       = flag.Float64("write-ratio", 0.5, "Ratio of write operations (0-1)")
)

type Stats struct {
	totalRequests  int64
	successfulReqs int64
	failedReqs     int64
	totalLatency   int64 // in microseconds
	minLatency     int64
	maxLatency     int64
}

func main() {
	flag.Parse()

	fmt.Printf("Bulletin Board Load Tester\n")
	fmt.Printf("==========================\n")
	fmt.Printf("Target: %s\n", *target)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Write Ratio: %.1f%%\n\n", *ratio*100)

	stats := &Stats{
		minLatency: 999999999,
	}

	work := make(chan int, *requests)
	for i := 0; i < *requests; i++ {
		work <- i
	}
	close(work)

	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))
			for i := range work {
				started := time.Now()
				var err error
				if rng.Float64() < *ratio {
					err = doPost(*target, i, worker)
				} else {
					err = doRead(*target, rng.Intn(10))
				}
				recordResult(stats, time.Since(started).Microseconds(), err)
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	printResults(stats, elapsed)
}

func doPost(addr string, seq, worker int) error {
	started := time.Now()
	reply, err := exchange(addr, fmt.Sprintf("POST::load-%d::worker%d::generated at %s",
		seq, worker, started.Format(time.RFC3339)))
	if err != nil {
		return err
	}
	if reply != "0" {
		return fmt.Errorf("post rejected: %s", reply)
	}
	return nil
}

func doRead(addr string, page int) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "READ::%d\n", page); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

func exchange(addr, frame string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", frame); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

func recordResult(stats *Stats, latency int64, err error) {
	atomic.AddInt64(&stats.totalRequests, 1)
	if err != nil {
		atomic.AddInt64(&stats.failedReqs, 1)
		return
	}
	atomic.AddInt64(&stats.successfulReqs, 1)
	atomic.AddInt64(&stats.totalLatency, latency)

	for {
		min := atomic.LoadInt64(&stats.minLatency)
		if latency >= min || atomic.CompareAndSwapInt64(&stats.minLatency, min, latency) {
			break
		}
	}
	for {
		max := atomic.LoadInt64(&stats.maxLatency)
		if latency <= max || atomic.CompareAndSwapInt64(&stats.maxLatency, max, latency) {
			break
		}
	}
}

func printResults(stats *Stats, elapsed time.Duration) {
	total := atomic.LoadInt64(&stats.totalRequests)
	ok := atomic.LoadInt64(&stats.successfulReqs)
	failed := atomic.LoadInt64(&stats.failedReqs)

	fmt.Printf("Results\n")
	fmt.Printf("=======\n")
	fmt.Printf("Total:      %d\n", total)
	fmt.Printf("Successful: %d\n", ok)
	fmt.Printf("Failed:     %d\n", failed)
	fmt.Printf("Elapsed:    %s\n", elapsed)
	if elapsed > 0 {
		fmt.Printf("Throughput: %.1f req/s\n", float64(total)/elapsed.Seconds())
	}
	if ok > 0 {
		avg := atomic.LoadInt64(&stats.totalLatency) / ok
		fmt.Printf("Latency:    avg %dus, min %dus, max %dus\n",
			avg, atomic.LoadInt64(&stats.minLatency), atomic.LoadInt64(&stats.maxLatency))
	}
}
