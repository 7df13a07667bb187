package provider

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the observed state of a provider, derived from
// real traffic rather than probe requests.
type HealthStatus struct {
	Healthy          bool      `json:"healthy"`
	LastCheck        time.Time `json:"lastCall"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LatencyMs        int64     `json:"latencyMs"`
	ErrorCount       int64     `json:"errors"`
	RequestCount     int64     `json:"requests"`
	Breaker          string    `json:"breaker"`
}

type healthTable struct {
	mu       sync.Mutex
	statuses map[string]HealthStatus
}

func (c *Client) recordHealth(name string, res *Result, err error, d time.Duration) {
	c.health.mu.Lock()
	defer c.health.mu.Unlock()
	if c.health.statuses == nil {
		c.health.statuses = make(map[string]HealthStatus)
	}

	status := c.health.statuses[name]
	status.LastCheck = time.Now()
	status.LatencyMs = d.Milliseconds()
	status.RequestCount++
	if err != nil || res.Status >= 500 {
		status.Healthy = false
		status.ConsecutiveFails++
		status.ErrorCount++
	} else {
		status.Healthy = true
		status.ConsecutiveFails = 0
	}
	c.health.statuses[name] = status
}

// HealthStatus returns the status of a provider and whether it was called.
func (c *Client) HealthStatus(name string) (HealthStatus, bool) {
	c.health.mu.Lock()
	status, ok := c.health.statuses[name]
	c.health.mu.Unlock()
	if !ok {
		return HealthStatus{}, false
	}
	status.Breaker = c.State(name).String()
	return status, true
}

// Providers lists the providers that have been called, sorted by name.
func (c *Client) Providers() []string {
	c.health.mu.Lock()
	names := make([]string, 0, len(c.health.statuses))
	for name := range c.health.statuses {
		names = append(names, name)
	}
	c.health.mu.Unlock()
	sort.Strings(names)
	return names
}
