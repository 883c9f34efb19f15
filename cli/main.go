// Command hoard-cli opens a ball at a given directory, exercises a few
// reads and writes, and prints its statistics. It is a smoke test for the
// library, not a supported administration tool.
package main

import (
	"flag"
	"fmt"
	"log"

	"hoard"
)

func main() {
	dir := flag.String("dir", "./hoard-data", "directory backing the ball")
	overwrite := flag.Bool("overwrite", false, "discard any existing store contents first")
	pageSize := flag.Int("page-size", hoard.DefaultPageSize, "bytes per page")
	flag.Parse()

	ball, err := hoard.CreateBall(*dir, hoard.Config{
		PageSize:         *pageSize,
		CapacityLimit:    4 << 20,
		InitialPageCount: 8,
		ResizeThreshold:  4,
		EnableLogging:    true,
	}, *overwrite)
	if err != nil {
		log.Fatalf("create ball: %v", err)
	}
	defer func() {
		if err := ball.Close(); err != nil {
			log.Printf("close ball: %v", err)
		}
	}()

	page := uint64(*pageSize)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = 0xAA
	}
	if err := ball.Put(0, payload); err != nil {
		log.Fatalf("put: %v", err)
	}
	if err := ball.Put(page, payload); err != nil {
		log.Fatalf("put: %v", err)
	}

	back, err := ball.Get(0)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("read back %d bytes from vaddr 0\n", len(back))

	stats := ball.Statistics()
	fmt.Printf("hits=%d misses=%d evictions=%d used_memory=%d\n",
		stats.HitCount(), stats.MissCount(), stats.EvictionCount(), stats.UsedMemory())
}
