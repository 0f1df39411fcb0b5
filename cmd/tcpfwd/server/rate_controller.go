package server

import (
	"fmt"
	"io"
	"time"

	glob "github.com/ryanuber/go-glob"
	"golang.org/x/time/rate"
)

// RateController will limit accepted connections per client IP
// (using a internal hashmap of rate limiters per ip)
// It never waits: the event loop must not block, so a connection over
// the limit is simply refused.
// Not safe for concurrent use, it's owned by the event loop.
type RateController struct {
	config  RateControllerConfig
	entries map[string]*RateControllerEntry
}

// RateControllerConfig holds controller config
type RateControllerConfig struct {
	// max number of concurrent pairs per IP (0 = unlimited)
	ConcurrentMaxConnections int32

	RateEnable               bool    // enable rate limiting of new connections
	RateBurst                int     // number of connections accepted without limit… (must be > 0)
	RateConnectionsPerSecond float64 // … and after that, at this rate (must be > 0)

	VipList []string // IP patterns that are never limited (ex: "10.0.*")
}

// RateControllerEntry holds data for a single IP
type RateControllerEntry struct {
	config             *RateControllerConfig
	currentConnections int32
	rateLimiter        *rate.Limiter
	lastUseTime        time.Time
}

// NewRateController will create and return a new controller
func NewRateController(config RateControllerConfig) *RateController {
	return &RateController{
		config:  config,
		entries: make(map[string]*RateControllerEntry),
	}
}

// Enabled returns true if any limit is configured
func (rc *RateController) Enabled() bool {
	return rc.config.RateEnable || rc.config.ConcurrentMaxConnections > 0
}

// GetEntry will return the RateControllerEntry for a given IP
func (rc *RateController) GetEntry(ip string, now time.Time) *RateControllerEntry {
	entry, ok := rc.entries[ip]
	if !ok {
		entry = &RateControllerEntry{
			config: &rc.config,
		}

		if rc.config.RateEnable {
			entry.rateLimiter = rate.NewLimiter(rate.Limit(rc.config.RateConnectionsPerSecond), rc.config.RateBurst)
		}

		rc.entries[ip] = entry
	}

	entry.lastUseTime = now

	return entry
}

// IsVIP will check if an IP matches the VIP list
func (rc *RateController) IsVIP(ip string) bool {
	for _, pattern := range rc.config.VipList {
		if glob.Glob(pattern, ip) {
			return true
		}
	}
	return false
}

// Clean will remove old entries (entries with running connections are kept)
func (rc *RateController) Clean(unusedTime time.Duration, now time.Time) {
	for ip, entry := range rc.entries {
		if entry.currentConnections == 0 && now.Sub(entry.lastUseTime) > unusedTime {
			delete(rc.entries, ip)
		}
	}
}

// Count returns the number of tracked IPs
func (rc *RateController) Count() int {
	return len(rc.entries)
}

// IsAllowed will check if a new connection is allowed for this entry,
// returns (allowed, reason). An allowed connection must call
// FinishConnection when closed.
func (rce *RateControllerEntry) IsAllowed(now time.Time) (bool, string) {
	if rce.config.ConcurrentMaxConnections > 0 && rce.currentConnections >= rce.config.ConcurrentMaxConnections {
		return false, "concurrent connections limit reached"
	}

	if rce.rateLimiter != nil && !rce.rateLimiter.AllowN(now, 1) {
		return false, "connection rate limit reached"
	}

	rce.currentConnections++
	return true, ""
}

// FinishConnection will free a connection slot
func (rce *RateControllerEntry) FinishConnection() {
	if rce.currentConnections > 0 {
		rce.currentConnections--
	}
}

// Dump will write a representation of the controller
func (rc *RateController) Dump(w io.Writer) {
	fmt.Fprintf(w, "-- RateController: %d entrie(s)\n", len(rc.entries))

	cnt := 0
	for ip, entry := range rc.entries {
		idle := entry.currentConnections == 0
		if entry.rateLimiter != nil && entry.rateLimiter.Tokens() < float64(entry.rateLimiter.Burst()) {
			idle = false
		}
		if idle {
			continue
		}

		cnt++
		fmt.Fprintf(w, "  %s:\n", ip)
		fmt.Fprintf(w, "    lastUseTime: %s\n", entry.lastUseTime)
		fmt.Fprintf(w, "    currentConnections: %d\n", entry.currentConnections)
		if entry.rateLimiter != nil {
			fmt.Fprintf(w, "    rateLimiter free tokens: %f / %d\n", entry.rateLimiter.Tokens(), entry.rateLimiter.Burst())
		}
	}

	fmt.Fprintf(w, "-- displayed %d non-idle entrie(s)\n", cnt)
}
