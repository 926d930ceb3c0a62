package voiceturn

import "sync"

// LatencyBreakdown is the per-stage latency of one turn, in milliseconds.
type LatencyBreakdown struct {
	STTMs   float64 `json:"stt_ms"`
	LLMMs   float64 `json:"llm_ms"`
	TTSMs   float64 `json:"tts_ms"`
	TotalMs float64 `json:"total_ms"`
}

// LatencyTracker keeps the breakdown of the most recent turn only.
type LatencyTracker struct {
	mu      sync.RWMutex
	current LatencyBreakdown
	set     bool
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{}
}

// Update replaces the breakdown with the given stage timings.
func (t *LatencyTracker) Update(sttMs, llmMs, ttsMs float64) LatencyBreakdown {
	b := LatencyBreakdown{
		STTMs:   sttMs,
		LLMMs:   llmMs,
		TTSMs:   ttsMs,
		TotalMs: sttMs + llmMs + ttsMs,
	}
	t.mu.Lock()
	t.current = b
	t.set = true
	t.mu.Unlock()
	return b
}

// Current returns the latest breakdown and whether any turn has been recorded
// since the last Reset.
func (t *LatencyTracker) Current() (LatencyBreakdown, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.set
}

func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	t.current = LatencyBreakdown{}
	t.set = false
	t.mu.Unlock()
}
