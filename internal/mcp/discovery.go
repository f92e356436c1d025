package mcp

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// statsWindow keeps the last N request outcomes for one subject: latency
// samples plus per-slot error marks. Unlike a plain counter it forgets, so a
// server that recovered stops paying for old failures.
type statsWindow struct {
	mu        sync.Mutex
	latencies []int64 // ring of latency measurements in ms
	failed    []bool  // ring of error marks, parallel to latencies
	pos       int
	count     int // total samples written (may exceed capacity)
}

// defaultWindowSize is the outcome window capacity per server and per phase.
const defaultWindowSize = 50

func newStatsWindow(size int) *statsWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &statsWindow{
		latencies: make([]int64, size),
		failed:    make([]bool, size),
	}
}

// record appends one outcome, overwriting the oldest once the ring is full.
func (w *statsWindow) record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latencies[w.pos] = latencyMs
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % len(w.latencies)
	w.count++
}

// window returns the meaningful sample count (≤ capacity).
func (w *statsWindow) window() int {
	if w.count >= len(w.latencies) {
		return len(w.latencies)
	}
	return w.count
}

// errorRate returns the fraction of failed outcomes in the window, 0 with no
// samples.
func (w *statsWindow) errorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.window()
	if n == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < n; i++ {
		if w.failed[i] {
			errs++
		}
	}
	return float64(errs) / float64(n)
}

// p50 returns the median latency in ms, 0 with no samples.
func (w *statsWindow) p50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.window()
	if n == 0 {
		return 0
	}
	cp := make([]int64, n)
	copy(cp, w.latencies[:n])
	slices.Sort(cp)
	return cp[n/2]
}

// mean returns the average latency in ms, 0 with no samples.
func (w *statsWindow) mean() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.window()
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += w.latencies[i]
	}
	return float64(sum) / float64(n)
}

func (w *statsWindow) samples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// ─── Directory ────────────────────────────────────────────────────────────────

// Query filters the directory. Zero-value fields do not filter.
type Query struct {
	// Capability restricts results to servers that execute it.
	Capability string

	// Category restricts results to servers in the category.
	Category string

	// Tags restricts results to servers carrying every listed tag.
	Tags []string

	// MinReliability is the lowest acceptable reliability score (0–100).
	MinReliability float64

	// MinPerformance is the lowest acceptable performance score (0–100).
	MinPerformance float64

	// MaxLatency excludes servers whose median response time exceeds it,
	// once they have samples. Zero disables the filter.
	MaxLatency time.Duration
}

// serverRecord is one registered server with its endpoint and health history.
type serverRecord struct {
	info     ServerInfo
	endpoint Endpoint
	health   *statsWindow
	added    time.Time
}

// ServerHealth is a point-in-time view of one server's scores, exposed for
// analytics and logging.
type ServerHealth struct {
	ID          string
	Name        string
	Reliability float64
	Performance float64
	MedianMs    int64
	Samples     int
}

// Directory is the discovery index over registered MCP servers. It answers
// capability/category/tag queries and tracks per-server health scores fed by
// request outcomes.
//
// All methods are safe for concurrent use.
type Directory struct {
	mu           sync.RWMutex
	servers      map[string]*serverRecord
	byCapability map[string]map[string]struct{} // capability → server ID set
	byCategory   map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		servers:      make(map[string]*serverRecord),
		byCapability: make(map[string]map[string]struct{}),
		byCategory:   make(map[string]map[string]struct{}),
		byTag:        make(map[string]map[string]struct{}),
	}
}

// Register adds a server and its endpoint to the index. Registering an ID
// again replaces the previous entry and resets its health history.
func (d *Directory) Register(info ServerInfo, ep Endpoint) error {
	if info.ID == "" {
		return fmt.Errorf("mcp: register server: empty id")
	}
	if len(info.Capabilities) == 0 {
		return fmt.Errorf("mcp: register server %q: no capabilities", info.ID)
	}
	if ep == nil {
		return fmt.Errorf("mcp: register server %q: nil endpoint", info.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.servers[info.ID]; ok {
		d.dropIndexes(info.ID)
	}
	d.servers[info.ID] = &serverRecord{
		info:     info,
		endpoint: ep,
		health:   newStatsWindow(defaultWindowSize),
		added:    time.Now(),
	}
	for _, c := range info.Capabilities {
		addIndex(d.byCapability, c, info.ID)
	}
	if info.Category != "" {
		addIndex(d.byCategory, info.Category, info.ID)
	}
	for _, t := range info.Tags {
		addIndex(d.byTag, t, info.ID)
	}
	return nil
}

// Deregister removes a server from the index, reporting whether it existed.
// The endpoint itself is not closed; its owner does that.
func (d *Directory) Deregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.servers[id]; !ok {
		return false
	}
	d.dropIndexes(id)
	delete(d.servers, id)
	return true
}

// dropIndexes removes id from every index. Caller holds d.mu.
func (d *Directory) dropIndexes(id string) {
	rec := d.servers[id]
	for _, c := range rec.info.Capabilities {
		removeIndex(d.byCapability, c, id)
	}
	if rec.info.Category != "" {
		removeIndex(d.byCategory, rec.info.Category, id)
	}
	for _, t := range rec.info.Tags {
		removeIndex(d.byTag, t, id)
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Find returns the servers matching q, best combined health score first.
// Ties resolve by ID so results are deterministic.
func (d *Directory) Find(q Query) []ServerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	if q.Capability != "" {
		for id := range d.byCapability[q.Capability] {
			ids = append(ids, id)
		}
	} else {
		for id := range d.servers {
			ids = append(ids, id)
		}
	}

	type scored struct {
		info  ServerInfo
		score float64
	}
	var out []scored
	for _, id := range ids {
		rec := d.servers[id]
		if q.Category != "" && rec.info.Category != q.Category {
			continue
		}
		if !hasAllTags(rec.info.Tags, q.Tags) {
			continue
		}
		rel := reliabilityScore(rec.health)
		perf := performanceScore(rec.health)
		if rel < q.MinReliability || perf < q.MinPerformance {
			continue
		}
		if q.MaxLatency > 0 && rec.health.samples() > 0 &&
			rec.health.p50() > q.MaxLatency.Milliseconds() {
			continue
		}
		out = append(out, scored{info: rec.info, score: rel + perf})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].info.ID < out[j].info.ID
	})

	infos := make([]ServerInfo, len(out))
	for i, s := range out {
		infos[i] = s.info
	}
	return infos
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// Endpoint returns the endpoint registered for the server ID.
func (d *Directory) Endpoint(id string) (Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.servers[id]
	if !ok {
		return nil, false
	}
	return rec.endpoint, true
}

// RecordOutcome feeds one request outcome into the server's health history.
// Unknown IDs are ignored.
func (d *Directory) RecordOutcome(id string, success bool, rtt time.Duration) {
	d.mu.RLock()
	rec, ok := d.servers[id]
	d.mu.RUnlock()
	if !ok {
		return
	}
	rec.health.record(rtt.Milliseconds(), !success)
}

// Reliability returns the server's reliability score (0–100): the fraction
// of recent requests that succeeded. Servers without history score 100.
func (d *Directory) Reliability(id string) float64 {
	d.mu.RLock()
	rec, ok := d.servers[id]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return reliabilityScore(rec.health)
}

// Performance returns the server's performance score (0–100), derived from
// its median response time. Servers without history score 100.
func (d *Directory) Performance(id string) float64 {
	d.mu.RLock()
	rec, ok := d.servers[id]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return performanceScore(rec.health)
}

func reliabilityScore(w *statsWindow) float64 {
	if w.samples() == 0 {
		return 100
	}
	return 100 * (1 - w.errorRate())
}

// performanceScore maps median latency onto 0–100: 100 at instant, 90 at
// 500ms, 70 at 1.5s, 0 from 5s up.
func performanceScore(w *statsWindow) float64 {
	if w.samples() == 0 {
		return 100
	}
	score := 100 - float64(w.p50())/50
	if score < 0 {
		return 0
	}
	return score
}

// Capabilities returns every capability any registered server executes,
// sorted.
func (d *Directory) Capabilities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	caps := make([]string, 0, len(d.byCapability))
	for c := range d.byCapability {
		caps = append(caps, c)
	}
	slices.Sort(caps)
	return caps
}

// HasCapability reports whether any registered server executes capability.
func (d *Directory) HasCapability(capability string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byCapability[capability]) > 0
}

// NearestCapability returns the known capability closest to capability by
// edit distance, excluding an exact match. Used to suggest a correction when
// a requested capability is unknown.
func (d *Directory) NearestCapability(capability string) (string, bool) {
	known := d.Capabilities()
	best := ""
	bestDist := -1
	for _, c := range known {
		if c == capability {
			continue
		}
		dist := matchr.Levenshtein(capability, c)
		if bestDist < 0 || dist < bestDist || (dist == bestDist && c < best) {
			best = c
			bestDist = dist
		}
	}
	return best, best != ""
}

// Health returns a snapshot of every server's scores, sorted by ID.
func (d *Directory) Health() []ServerHealth {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServerHealth, 0, len(d.servers))
	for id, rec := range d.servers {
		out = append(out, ServerHealth{
			ID:          id,
			Name:        rec.info.Name,
			Reliability: reliabilityScore(rec.health),
			Performance: performanceScore(rec.health),
			MedianMs:    rec.health.p50(),
			Samples:     rec.health.samples(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered servers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.servers)
}
