package ai

import "sync"

// ModelMetrics is the token usage and time spent on model requests.
type ModelMetrics struct {
	Requests       int     `json:"requests"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Add folds one request, or an already summed m, into mm.
func (mm *ModelMetrics) Add(m ModelMetrics) {
	mm.Requests += max(m.Requests, 1)
	mm.InputTokens += m.InputTokens
	mm.OutputTokens += m.OutputTokens
	if m.TotalTokens == 0 {
		m.TotalTokens = m.InputTokens + m.OutputTokens
	}
	mm.TotalTokens += m.TotalTokens
	mm.DurationMs += m.DurationMs
	if mm.DurationMs > 0 {
		tps := float64(mm.TotalTokens) * 1000 / float64(mm.DurationMs)
		mm.TokenPerSecond = float32(int(tps*100+0.5)) / 100
	}
}

// Usage accumulates ModelMetrics for a client. Providers embed it to
// satisfy the metrics half of GraphAIClient.
type Usage struct {
	mu sync.Mutex
	m  ModelMetrics
}

func (u *Usage) Record(m ModelMetrics) {
	u.mu.Lock()
	u.m.Add(m)
	u.mu.Unlock()
}

// GetMetrics returns the usage since the last reset.
func (u *Usage) GetMetrics() ModelMetrics {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.m
}

func (u *Usage) ResetMetrics() {
	u.mu.Lock()
	u.m = ModelMetrics{}
	u.mu.Unlock()
}
