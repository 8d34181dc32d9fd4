package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mikelund/magpie/client"
	"github.com/mikelund/magpie/reconciler"
)

// watchSeed pre-registers an operation the caller just queued, so the watch
// does not go idle before a worker claims the job and it shows up in the
// listing.
type watchSeed struct {
	Dest string
	Name string
}

// watchProgress polls the server's download listing and redraws progress
// bars until nothing is in flight. The reconciler handles completion
// detection: the server drops finished operations from the listing, and the
// registry holds them as completed for a short grace period so the final
// state is visible.
func watchProgress(ctx context.Context, api *client.Client, seeds ...watchSeed) error {
	return watchProgressInterval(ctx, api, reconciler.DefaultInterval, seeds...)
}

func watchProgressInterval(ctx context.Context, api *client.Client, interval time.Duration, seeds ...watchSeed) error {
	registry := reconciler.NewRegistry()
	for _, s := range seeds {
		registry.StartTracking(s.Dest, s.Name)
	}
	poller := reconciler.NewPoller(registry, api.FetchSnapshot, interval)
	poller.OnError = func(err error) {
		fmt.Println(errorStyle.Render("warning: ") + err.Error())
	}

	poller.Start()
	defer poller.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastLines int
	sawWork := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ops := registry.Operations()
		if len(ops) > 0 {
			sawWork = true
		}
		lastLines = redraw(renderOperations(ops), lastLines)

		if !poller.IsActive() {
			poller.Wait()
			if sawWork {
				fmt.Println(okStyle.Render("all operations finished"))
			} else {
				fmt.Println(dimStyle.Render("nothing in flight"))
			}
			return nil
		}
	}
}

// redraw rewrites the previously printed block in place using cursor-up
// escapes, returning the new line count.
func redraw(block string, lastLines int) int {
	if lastLines > 0 {
		fmt.Printf("\033[%dA\033[J", lastLines)
	}
	fmt.Print(block)
	return strings.Count(block, "\n")
}
