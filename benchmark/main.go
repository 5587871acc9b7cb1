// Package main measures enqueue and end-to-end processing throughput against a
// running broker. It enqueues update_embeddings invocations with a benchmark
// collection name and waits for the ready and processing queues to drain, so a
// worker must be running.
//
// Usage:
//
//	go run ./benchmark --tasks 100000
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faultmaven/jobworker/pkg/broker"
	"github.com/faultmaven/jobworker/pkg/handlers"
	"github.com/faultmaven/jobworker/pkg/queue"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/spf13/pflag"
)

func main() {
	numTasks := pflag.Int("tasks", 100000, "Number of invocations to enqueue")
	numWorkers := pflag.Int("workers", 10, "Number of concurrent enqueuers")
	addr := pflag.String("redis", "localhost:6379", "Redis address")
	prefix := pflag.String("prefix", queue.DefaultKeyPrefix, "queue key prefix")
	pflag.Parse()

	d := broker.Descriptor{Mode: broker.ModeStandalone, Addr: *addr}
	client := queue.NewClient(broker.NewClient(d), queue.WithKeyPrefix(*prefix))
	ctx := context.Background()

	fmt.Printf("Job Queue Benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Invocations to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				inv := tasks.Invocation{
					TaskName:      handlers.TaskUpdateEmbeddings,
					Payload:       tasks.Payload{"collection_name": fmt.Sprintf("bench-%d-%d", workerID, j)},
					Priority:      tasks.PriorityDefault,
					MaxAttempts:   1,
					HardTimeLimit: handlers.DefaultHardTimeLimit,
					SoftTimeLimit: handlers.DefaultSoftTimeLimit,
				}
				if _, err := client.Enqueue(ctx, inv); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d invocations in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f invocations/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for all invocations to be processed...\n")
	startProcess := time.Now()

	for {
		depths, err := client.Depths(ctx)
		if err != nil {
			fmt.Printf("Error reading depths: %v\n", err)
			os.Exit(1)
		}
		remaining := depths[queue.QueueHigh] + depths[queue.QueueDefault] + depths[queue.QueueLow] +
			depths[queue.QueueDelayed] + depths[queue.QueueProcessing]
		if remaining == 0 {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d invocations\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All invocations processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f invocations/sec\n", float64(enqueued.Load())/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f invocations/sec\n", float64(enqueued.Load())/totalTime.Seconds())
}
