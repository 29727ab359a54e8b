package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AllowTerminalEnrollment lets the sync server register unknown terminals on first auth.
//
// Set via env:
// - SYNC_ALLOW_ENROLLMENT=true
func AllowTerminalEnrollment() bool {
	return envBoolDefault("SYNC_ALLOW_ENROLLMENT", false)
}

// StrictLedgerReplay makes a slave recompute replicated ledger entries as well, instead of
// trusting the balances resolved by the master. Only meant for diagnosing cost drift.
//
// Set via env:
// - STRICT_LEDGER_REPLAY=true
func StrictLedgerReplay() bool {
	return envBoolDefault("STRICT_LEDGER_REPLAY", false)
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func stringFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// durationFromEnv accepts Go durations ("30s") or plain seconds ("30").
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// batchSizesFromEnv parses "B01=100,B02=50" into a per fiscal type map.
func batchSizesFromEnv(key string) map[string]int {
	out := map[string]int{}
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = n
	}
	return out
}
