package domain

import "time"

// PoolStats holds statistics about the instance pool.
type PoolStats struct {
	Idle               int       `json:"idle"`               // Instances available for immediate assignment
	Busy               int       `json:"busy"`               // Instances currently in use
	PendingTermination int       `json:"pendingTermination"` // Instances waiting out their grace period
	Total              int       `json:"total"`              // All known instances
	DesiredCapacity    int       `json:"desiredCapacity"`    // Last capacity requested from the fleet
	MaxCapacity        int       `json:"maxCapacity"`        // Hard cap, 0 means unlimited
	LastSync           time.Time `json:"lastSync,omitempty"` // Last successful fleet synchronization
}

// NeedsScaleUp returns true if idle instances have dropped to the low-water mark.
func (s *PoolStats) NeedsScaleUp(lowWater int) bool {
	return s.Idle <= lowWater
}

// Headroom returns how many more instances the capacity cap allows.
// A negative value means unlimited.
func (s *PoolStats) Headroom() int {
	if s.MaxCapacity <= 0 {
		return -1
	}
	if s.Total >= s.MaxCapacity {
		return 0
	}
	return s.MaxCapacity - s.Total
}

// Pending returns how many requested instances the fleet has not reported yet.
func (s *PoolStats) Pending() int {
	gap := s.DesiredCapacity - s.Total
	if gap <= 0 {
		return 0
	}
	return gap
}
