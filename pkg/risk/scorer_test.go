package risk

import "testing"

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		metrics map[string]any
		want    float64
	}{
		{"idle", map[string]any{"cpu": 10.0, "ram": 20.0, "disk_usage": 30.0}, 0},
		{"warm", map[string]any{"cpu": 60.0, "ram": 80.0, "disk_usage": 95.0}, 60},
		{"saturated", map[string]any{"cpu": 99.0, "ram": 99.0, "disk_usage": 99.0}, 90},
		{"percent strings", map[string]any{"cpu": "91%", "ram": " 76 "}, 50},
		{"garbage ignored", map[string]any{"cpu": "n/a", "ram": nil, "disk_usage": []string{}}, 0},
		{"missing keys", map[string]any{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.metrics); got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}
