// Package progress provides progress reporting for transfers.
//
// This package outputs human-readable progress information to stdout by
// listening to the engine's lifecycle notifications: completion
// percentage, transfer speed, ETA and per-block state.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Output: os.Stdout,
//	})
//	events.Attach(t, reporter)
//	defer events.Detach(t)
//
// The reporter starts its display loop on TaskStart and stops it on
// TaskEnd; nothing else needs to be called.
//
// # Output Format
//
//	[downpour] Downloading: https://example.com/file.tar.gz
//	[downpour] Total size: 2.50 GB | Blocks: 40 x 64.00 MB
//	[downpour] Progress: 45.2% | 1.13 GB / 2.50 GB | Speed: 120.00 MB/s | ETA: 11s
//	[downpour] Blocks: 18 completed | 4 in-progress | 18 pending
package progress
