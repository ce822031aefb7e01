package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/config"
	"github.com/cachemir/clustermir/pkg/route"
)

func main() {
	seeds := flag.String("seeds", "127.0.0.1:7000", "Comma-separated seed addresses")
	flag.Parse()

	cfg := config.LoadClientConfig()
	cfg.Seeds = strings.Split(*seeds, ",")

	c, err := client.New(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("=== clustermir client example ===")

	snap, err := c.RefreshTopology(ctx)
	if err != nil {
		log.Fatalf("Topology unavailable: %v", err)
	}
	fmt.Printf("✓ %d shards, %d nodes (epoch %d)\n", len(snap.Shards()), len(snap.Nodes()), snap.Epoch())
	for _, sh := range snap.Shards() {
		fmt.Printf("  shard %d: %s %v\n", sh.ID, sh.Primary.Addr, sh.Ranges)
	}

	fmt.Println("\n--- Single slot ---")

	if err := c.Set(ctx, "user:{1}:name", "john_doe", 0); err != nil {
		log.Printf("SET failed: %v", err)
	} else {
		fmt.Println("✓ SET user:{1}:name = john_doe")
	}

	if v, err := c.Get(ctx, "user:{1}:name"); err != nil {
		log.Printf("GET failed: %v", err)
	} else {
		fmt.Printf("✓ GET user:{1}:name = %s\n", v)
	}

	if _, err := c.Get(ctx, "user:{1}:missing"); errors.Is(err, client.ErrNil) {
		fmt.Println("✓ GET user:{1}:missing = (nil)")
	}

	if n, err := c.Incr(ctx, "counter"); err != nil {
		log.Printf("INCR failed: %v", err)
	} else {
		fmt.Printf("✓ INCR counter = %d\n", n)
	}

	fmt.Println("\n--- Multi slot ---")

	if err := c.MSet(ctx, map[string]string{"a": "1", "b": "2", "c": "3"}); err != nil {
		log.Printf("MSET failed: %v", err)
	} else {
		fmt.Println("✓ MSET a b c (split per slot)")
	}

	if vals, err := c.MGet(ctx, "a", "b", "c", "d"); err != nil {
		log.Printf("MGET failed: %v", err)
	} else {
		fmt.Printf("✓ MGET a b c d = %q\n", vals)
	}

	if _, err := c.Do(ctx, "RENAME", "a", "b"); errors.Is(err, client.ErrCrossSlot) {
		fmt.Printf("✓ RENAME a b rejected: %v\n", err)
	}

	fmt.Println("\n--- Fan-out ---")

	if n, err := c.DBSize(ctx); err != nil {
		log.Printf("DBSIZE failed: %v", err)
	} else {
		fmt.Printf("✓ DBSIZE = %d\n", n)
	}

	if info, err := c.Info(ctx, route.AllNodes, "replication"); err != nil {
		log.Printf("INFO failed: %v", err)
	} else {
		for addr, text := range info {
			fmt.Printf("✓ INFO %s: %d bytes\n", addr, len(text))
		}
	}

	fmt.Println("\n--- Scan ---")

	err = c.ScanAll(ctx, client.ScanOptions{Count: 100}, func(keys []string) error {
		for _, k := range keys {
			fmt.Printf("  %s\n", k)
		}
		return nil
	})
	if err != nil {
		log.Printf("SCAN failed: %v", err)
	}

	fmt.Println("\n--- Cleanup ---")

	if n, err := c.Del(ctx, "user:{1}:name", "counter", "a", "b", "c"); err != nil {
		log.Printf("DEL failed: %v", err)
	} else {
		fmt.Printf("✓ DEL = %d keys\n", n)
	}

	fmt.Println("\n=== Example Complete ===")
}
