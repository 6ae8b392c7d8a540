// Package config defines configuration structures for the downpour CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (DOWNPOUR_ prefix)
//   - YAML configuration file
//
// # Structure
//
//	type Config struct {
//	    DataDir     string
//	    BlockSize   int64
//	    Bucket      string
//	    Progress    bool
//	    IdleTimeout time.Duration
//	    Retry       RetryConfig
//	}
//
//	type RetryConfig struct {
//	    Attempts   int
//	    Backoff    time.Duration
//	    MaxBackoff time.Duration
//	}
package config
