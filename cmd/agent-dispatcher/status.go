package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/uengine-oss/agent-dispatcher/internal/config"
	"github.com/uengine-oss/agent-dispatcher/internal/store/sqlitestore"
)

// runStatusCommand prints queue depth and lease counts read directly from
// the local reference store. This process exposes no always-on
// request-serving port of its own (only an optional /metrics endpoint), so
// status reads the store the worker already owns instead of round-tripping
// through HTTP.
func runStatusCommand() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	st, err := sqlitestore.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	counts, err := st.QueueCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue counts: %v\n", err)
		return 1
	}

	fmt.Printf("pending=%d in_progress=%d expired_leases=%d\n",
		counts.Pending, counts.InProgress, counts.ExpiredLeases)
	if counts.ExpiredLeases > 0 {
		return 1
	}
	return 0
}
