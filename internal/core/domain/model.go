package domain

import "time"

// ModelResidencyRecord tracks whether a heavyweight model is considered
// loaded. Records are created on first use and never deleted, only toggled.
type ModelResidencyRecord struct {
	ModelType  string    `json:"model_type"`
	SizeGB     float64   `json:"size_gb"`
	LastUsed   time.Time `json:"last_used"`
	UsageCount int64     `json:"usage_count"`
	Loaded     bool      `json:"loaded"`
}

// IdleFor returns how long the model has been unused as of now.
func (r *ModelResidencyRecord) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastUsed)
}

// ResidencyStats is a snapshot of the residency table.
type ResidencyStats struct {
	TotalModels   int     `json:"total_models"`
	LoadedModels  int     `json:"loaded_models"`
	TotalMemoryGB float64 `json:"total_memory_gb"` // Sum over loaded records
	MaxModels     int     `json:"max_models"`
}

// PoolStats is a snapshot of one worker pool.
type PoolStats struct {
	Name          string `json:"name"`
	MaxWorkers    int    `json:"max_workers"`
	ActiveWorkers int    `json:"active_workers"`
	Queued        int    `json:"queued"`
}
