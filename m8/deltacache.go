// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package m8

// screenClearArea is the rectangle area that counts as a screen clear and
// invalidates the cache. Deliberately smaller than the full 320x240 screen:
// large fills just short of full-screen still reset downstream state.
const screenClearArea = 320 * 200

type textKey struct {
	x, y uint16
}

type rectKey struct {
	x, y, w, h uint16
}

// CacheStats counts cache decisions. Resettable independently of the cache.
type CacheStats struct {
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
}

func (s CacheStats) Total() uint64 {
	return s.Sent + s.Skipped
}

func (s CacheStats) Ratio() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Sent) / float64(s.Total())
}

// DeltaCache suppresses commands that would not change a consumer applying
// the stream idempotently. Text and rectangle commands are memoized by
// position; everything else always passes.
type DeltaCache struct {
	texts map[textKey]TextCommand
	rects map[rectKey]RectCommand
	stats CacheStats
}

func NewDeltaCache() *DeltaCache {
	return &DeltaCache{
		texts: make(map[textKey]TextCommand),
		rects: make(map[rectKey]RectCommand),
	}
}

// ShouldSend decides whether the command must be re-emitted downstream and
// updates the cache in the same step.
func (dc *DeltaCache) ShouldSend(cmd Command) bool {
	send := dc.decide(cmd)
	if send {
		dc.stats.Sent++
	} else {
		dc.stats.Skipped++
	}
	return send
}

func (dc *DeltaCache) decide(cmd Command) bool {
	switch c := cmd.(type) {
	case *TextCommand:
		key := textKey{c.X, c.Y}
		if prev, ok := dc.texts[key]; ok &&
			prev.Char == c.Char && prev.FG == c.FG && prev.BG == c.BG {
			return false
		}
		dc.texts[key] = *c
		return true
	case *RectCommand:
		if int(c.W)*int(c.H) >= screenClearArea {
			dc.invalidate()
			return true
		}
		key := rectKey{c.X, c.Y, c.W, c.H}
		if prev, ok := dc.rects[key]; ok && prev.Color == c.Color {
			return false
		}
		dc.rects[key] = *c
		return true
	}
	// Wave, joypad, system and unknown commands are never cached.
	return true
}

func (dc *DeltaCache) invalidate() {
	clear(dc.texts)
	clear(dc.rects)
}

// Reset empties both maps. Statistics are untouched.
func (dc *DeltaCache) Reset() {
	dc.invalidate()
}

func (dc *DeltaCache) Stats() CacheStats {
	return dc.stats
}

// ResetStats zeroes the counters without touching cached entries.
func (dc *DeltaCache) ResetStats() {
	dc.stats = CacheStats{}
}
