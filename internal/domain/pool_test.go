package domain

import "testing"

func TestPoolStats_NeedsScaleUp(t *testing.T) {
	tests := []struct {
		name     string
		stats    *PoolStats
		lowWater int
		want     bool
	}{
		{
			name:     "empty pool",
			stats:    &PoolStats{Idle: 0},
			lowWater: 1,
			want:     true,
		},
		{
			name:     "at low-water mark",
			stats:    &PoolStats{Idle: 1, Busy: 4},
			lowWater: 1,
			want:     true,
		},
		{
			name:     "above low-water mark",
			stats:    &PoolStats{Idle: 2, Busy: 4},
			lowWater: 1,
			want:     false,
		},
		{
			name:     "zero low-water only triggers on exhaustion",
			stats:    &PoolStats{Idle: 1},
			lowWater: 0,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.stats.NeedsScaleUp(tt.lowWater)
			if got != tt.want {
				t.Errorf("PoolStats.NeedsScaleUp(%d) = %v, want %v", tt.lowWater, got, tt.want)
			}
		})
	}
}

func TestPoolStats_Headroom(t *testing.T) {
	tests := []struct {
		name  string
		stats *PoolStats
		want  int
	}{
		{
			name:  "unlimited",
			stats: &PoolStats{Total: 50, MaxCapacity: 0},
			want:  -1,
		},
		{
			name:  "room left",
			stats: &PoolStats{Total: 3, MaxCapacity: 10},
			want:  7,
		},
		{
			name:  "at capacity",
			stats: &PoolStats{Total: 10, MaxCapacity: 10},
			want:  0,
		},
		{
			name:  "over capacity returns zero",
			stats: &PoolStats{Total: 12, MaxCapacity: 10},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.stats.Headroom()
			if got != tt.want {
				t.Errorf("PoolStats.Headroom() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPoolStats_Pending(t *testing.T) {
	tests := []struct {
		name  string
		stats *PoolStats
		want  int
	}{
		{"nothing requested", &PoolStats{Total: 2, DesiredCapacity: 2}, 0},
		{"one booting", &PoolStats{Total: 2, DesiredCapacity: 3}, 1},
		{"fleet ahead of desired", &PoolStats{Total: 4, DesiredCapacity: 3}, 0},
		{"zero values", &PoolStats{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.stats.Pending()
			if got != tt.want {
				t.Errorf("PoolStats.Pending() = %v, want %v", got, tt.want)
			}
		})
	}
}
