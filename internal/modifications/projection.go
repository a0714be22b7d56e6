package modifications

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
)

// Projection caches the replayed grid of one board. Records appended after the
// cached prefix are folded in incrementally; any change to the prefix (a toggle
// or an out-of-order insertion) forces a full rebuild.
type Projection struct {
	mu          sync.Mutex
	onFailure   DecodeFailure
	grid        *Grid
	paletteKey  string
	applied     int
	fingerprint uint64
}

// NewProjection returns an empty projection.
func NewProjection(onFailure DecodeFailure) *Projection {
	return &Projection{onFailure: onFailure}
}

// View brings the cached grid up to date with records, which must be in log
// order, and calls read while holding the projection lock. The grid must not
// be retained after read returns.
func (p *Projection) View(records []Record, width, height int, boardPalette palette.Palette, read func(*Grid) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.reusable(records, width, height, boardPalette) {
		p.rebuildLocked(records, width, height, boardPalette)
	} else {
		for _, record := range records[p.applied:] {
			Apply(p.grid, record, boardPalette, p.onFailure)
		}
		p.fingerprint = extendFingerprint(p.fingerprint, records[p.applied:])
		p.applied = len(records)
	}
	return read(p.grid)
}

// Rebuild discards the cache and replays records from scratch.
func (p *Projection) Rebuild(records []Record, width, height int, boardPalette palette.Palette) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildLocked(records, width, height, boardPalette)
}

// Invalidate drops the cached grid.
func (p *Projection) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grid = nil
	p.applied = 0
	p.fingerprint = 0
	p.paletteKey = ""
}

// Applied reports how many records the cached grid covers.
func (p *Projection) Applied() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *Projection) reusable(records []Record, width, height int, boardPalette palette.Palette) bool {
	if p.grid == nil || p.grid.width != width || p.grid.height != height {
		return false
	}
	if p.paletteKey != paletteKey(boardPalette) || len(records) < p.applied {
		return false
	}
	return extendFingerprint(fingerprintSeed(), records[:p.applied]) == p.fingerprint
}

func (p *Projection) rebuildLocked(records []Record, width, height int, boardPalette palette.Palette) {
	p.grid = NewGrid(width, height)
	for _, record := range records {
		Apply(p.grid, record, boardPalette, p.onFailure)
	}
	p.applied = len(records)
	p.fingerprint = extendFingerprint(fingerprintSeed(), records)
	p.paletteKey = paletteKey(boardPalette)
}

const fnvOffset64 = 14695981039346656037

func fingerprintSeed() uint64 {
	return fnvOffset64
}

// extendFingerprint chains an FNV-1a hash over (id, enabled) of each record.
func extendFingerprint(seed uint64, records []Record) uint64 {
	current := seed
	for _, record := range records {
		hasher := fnv.New64a()
		var state [9]byte
		for shift := 0; shift < 8; shift++ {
			state[shift] = byte(current >> (8 * shift))
		}
		if record.Enabled {
			state[8] = 1
		}
		_, _ = hasher.Write(state[:])
		_, _ = hasher.Write([]byte(record.ID))
		current = hasher.Sum64()
	}
	return current
}

func paletteKey(boardPalette palette.Palette) string {
	return strings.Join(boardPalette.Colors(), ",")
}

// Projections holds one Projection per board.
type Projections struct {
	mu        sync.Mutex
	onFailure DecodeFailure
	byBoard   map[string]*Projection
}

// NewProjections returns an empty projection registry.
func NewProjections(onFailure DecodeFailure) *Projections {
	return &Projections{onFailure: onFailure, byBoard: make(map[string]*Projection)}
}

// For returns the projection of a board, creating it on first use.
func (p *Projections) For(boardID string) *Projection {
	p.mu.Lock()
	defer p.mu.Unlock()
	projection, ok := p.byBoard[boardID]
	if !ok {
		projection = NewProjection(p.onFailure)
		p.byBoard[boardID] = projection
	}
	return projection
}

// Invalidate drops the cached grid of a board.
func (p *Projections) Invalidate(boardID string) {
	p.mu.Lock()
	projection, ok := p.byBoard[boardID]
	p.mu.Unlock()
	if ok {
		projection.Invalidate()
	}
}
