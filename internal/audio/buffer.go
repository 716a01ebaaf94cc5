package audio

import "sync"

// OverflowPolicy decides what happens when a push would exceed capacity.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	Reject     OverflowPolicy = "reject"
)

// pressureRatio is the combined-occupancy fraction above which both queues
// are trimmed back to half their capacity.
const pressureRatio = 0.8

// Chunk is one unit of raw audio. The queue owns chunks once enqueued.
type Chunk []byte

// Stats is a point-in-time snapshot of both queues. Computed on demand,
// never cached.
type Stats struct {
	InputChunks       int     `json:"input_chunks"`
	InputBytes        int64   `json:"input_bytes"`
	InputUtilization  float64 `json:"input_utilization_pct"`
	OutputChunks      int     `json:"output_chunks"`
	OutputBytes       int64   `json:"output_bytes"`
	OutputUtilization float64 `json:"output_utilization_pct"`
	DroppedChunks     int64   `json:"dropped_chunks"`
	TrimmedChunks     int64   `json:"trimmed_chunks"`
	UnderPressure     bool    `json:"under_pressure"`
	DrainScheduled    bool    `json:"drain_scheduled"`
}

// Config sizes the two queues of a Buffers pair. NominalChunkBytes is the
// expected telephony frame size; byte utilization is reported against
// maxChunks*nominal, so a single oversized chunk can exceed 100%.
type Config struct {
	InputMaxChunks    int
	OutputMaxChunks   int
	NominalChunkBytes int
	Policy            OverflowPolicy
}

func (c Config) withDefaults() Config {
	if c.InputMaxChunks <= 0 {
		c.InputMaxChunks = 64
	}
	if c.OutputMaxChunks <= 0 {
		c.OutputMaxChunks = 256
	}
	if c.NominalChunkBytes <= 0 {
		c.NominalChunkBytes = 320
	}
	if c.Policy != DropOldest && c.Policy != Reject {
		c.Policy = DropOldest
	}
	return c
}

// Buffers owns the bounded inbound (caller→model) and outbound
// (model→caller) audio queues of one session. Overflow never errors: the
// policy is applied and a drop counter incremented so the condition stays
// observable without breaking the audio path.
type Buffers struct {
	mu      sync.Mutex
	cfg     Config
	input   []Chunk
	output  []Chunk
	dropped int64
	trimmed int64

	// drainScheduled is owned by the session's drain loop; surfaced here so
	// Stats can report it alongside queue occupancy.
	drainScheduled bool
}

func NewBuffers(cfg Config) *Buffers {
	return &Buffers{cfg: cfg.withDefaults()}
}

// PushInput appends caller audio. Zero-length chunks are accepted; they
// flow through as no-ops downstream.
func (b *Buffers) PushInput(chunk Chunk) {
	if b == nil || chunk == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.input = push(b.input, chunk, b.cfg.InputMaxChunks, b.cfg.Policy, &b.dropped)
	b.trimLocked()
}

// PushOutput appends model audio awaiting playback.
func (b *Buffers) PushOutput(chunk Chunk) {
	if b == nil || chunk == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.output = push(b.output, chunk, b.cfg.OutputMaxChunks, b.cfg.Policy, &b.dropped)
	b.trimLocked()
}

func push(q []Chunk, chunk Chunk, max int, policy OverflowPolicy, dropped *int64) []Chunk {
	if len(q) >= max {
		if policy == Reject {
			*dropped++
			return q
		}
		// dropOldest: evict from the head until there is room.
		for len(q) >= max {
			q = q[1:]
			*dropped++
		}
	}
	return append(q, chunk)
}

// NextOutput pops the oldest model chunk, or nil when empty. Non-blocking.
func (b *Buffers) NextOutput() Chunk {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.output) == 0 {
		return nil
	}
	chunk := b.output[0]
	b.output = b.output[1:]
	return chunk
}

// DrainInput pops up to max chunks from the input queue in FIFO order.
func (b *Buffers) DrainInput(max int) []Chunk {
	if b == nil || max <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := max
	if n > len(b.input) {
		n = len(b.input)
	}
	if n == 0 {
		return nil
	}
	out := make([]Chunk, n)
	copy(out, b.input[:n])
	b.input = b.input[n:]
	return out
}

// ClearOutput discards all unplayed model audio and reports how many chunks
// were dropped. This is the barge-in flush.
func (b *Buffers) ClearOutput() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.output)
	b.output = nil
	return n
}

// Clear empties both queues.
func (b *Buffers) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.input = nil
	b.output = nil
}

func (b *Buffers) InputLen() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.input)
}

func (b *Buffers) OutputLen() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.output)
}

// Pressure reports whether combined occupancy crossed the trim threshold.
func (b *Buffers) Pressure() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressureLocked()
}

func (b *Buffers) pressureLocked() bool {
	total := float64(b.cfg.InputMaxChunks + b.cfg.OutputMaxChunks)
	return float64(len(b.input)+len(b.output)) >= pressureRatio*total
}

// trimLocked drops oldest chunks from both queues down to half capacity
// while under pressure. Newest audio wins: latency matters more than
// history on a live call.
func (b *Buffers) trimLocked() {
	if !b.pressureLocked() {
		return
	}
	if target := b.cfg.InputMaxChunks / 2; len(b.input) > target {
		b.trimmed += int64(len(b.input) - target)
		b.input = b.input[len(b.input)-target:]
	}
	if target := b.cfg.OutputMaxChunks / 2; len(b.output) > target {
		b.trimmed += int64(len(b.output) - target)
		b.output = b.output[len(b.output)-target:]
	}
}

// SetDrainScheduled records whether an input drain tick is pending.
func (b *Buffers) SetDrainScheduled(v bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainScheduled = v
}

// Stats returns a consistent snapshot. It never fails; a nil receiver
// yields zero values so diagnostics paths stay panic-free during teardown.
func (b *Buffers) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var inBytes, outBytes int64
	for _, c := range b.input {
		inBytes += int64(len(c))
	}
	for _, c := range b.output {
		outBytes += int64(len(c))
	}
	return Stats{
		InputChunks:       len(b.input),
		InputBytes:        inBytes,
		InputUtilization:  utilization(inBytes, b.cfg.InputMaxChunks, b.cfg.NominalChunkBytes),
		OutputChunks:      len(b.output),
		OutputBytes:       outBytes,
		OutputUtilization: utilization(outBytes, b.cfg.OutputMaxChunks, b.cfg.NominalChunkBytes),
		DroppedChunks:     b.dropped,
		TrimmedChunks:     b.trimmed,
		UnderPressure:     b.pressureLocked(),
		DrainScheduled:    b.drainScheduled,
	}
}

func utilization(bytes int64, maxChunks, nominal int) float64 {
	capacity := int64(maxChunks) * int64(nominal)
	if capacity <= 0 {
		return 0
	}
	return float64(bytes) / float64(capacity) * 100
}
