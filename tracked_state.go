// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"strings"
	"sync"

	"m8-gateway/m8"
)

// Tracker screens recognizable from the header row.
var screenNames = []string{
	"SONG", "CHAIN", "PHRASE", "INSTRUMENT", "TABLE",
	"GROOVE", "PROJECT", "MIXER", "EFFECT SETTINGS", "THEME",
}

// TrackedState approximates where the device UI currently is, derived from
// the command stream. It is a best-effort mirror: confidence decays as
// commands apply and is restored when a caller verifies against the grid.
type TrackedState struct {
	mu          sync.Mutex
	screen      string
	cursorRow   int
	cursorCol   int
	selection   int
	chainCursor int
	confidence  float64
}

type TrackedStateInfo struct {
	Screen      string  `json:"screen"`
	CursorRow   int     `json:"cursorRow"`
	CursorCol   int     `json:"cursorCol"`
	Selection   int     `json:"selection"`
	ChainCursor int     `json:"chainCursor"`
	Confidence  float64 `json:"confidence"`
}

func NewTrackedState() *TrackedState {
	return &TrackedState{screen: "UNKNOWN", confidence: 1.0}
}

// Apply folds one command into the tracked state. Each application decays
// confidence; only explicit verification restores it.
func (ts *TrackedState) Apply(cmd m8.Command, grid *m8.TextGrid) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch c := cmd.(type) {
	case *m8.TextCommand:
		if c.Y < m8.CellHeight {
			// Header row rewrites may rename the screen.
			ts.maybeUpdateScreen(grid.Header())
		}
		cur := grid.Cursor()
		ts.cursorRow = cur.Row
		ts.cursorCol = cur.Col
		ts.updateSelection(grid, cur)
	case *m8.RectCommand:
		if c.X == 0 && c.Y == 0 && c.W >= m8.ScreenWidth && c.H >= m8.ScreenHeight {
			ts.cursorRow = 0
			ts.cursorCol = 0
		}
	}

	ts.confidence *= 0.995
	if ts.confidence < 0.1 {
		ts.confidence = 0.1
	}
}

func (ts *TrackedState) maybeUpdateScreen(header string) {
	header = strings.ToUpper(header)
	for _, name := range screenNames {
		if strings.HasPrefix(header, name) {
			ts.screen = name
			return
		}
	}
}

// updateSelection reads the hex pair under the cursor on the list screens.
func (ts *TrackedState) updateSelection(grid *m8.TextGrid, cur m8.Cursor) {
	if ts.screen != "SONG" && ts.screen != "CHAIN" {
		return
	}
	hi := hexDigit(grid.Cell(cur.Row, cur.Col).Char)
	lo := hexDigit(grid.Cell(cur.Row, cur.Col+1).Char)
	if hi < 0 || lo < 0 {
		return
	}
	sel := hi<<4 | lo
	ts.selection = sel
	if ts.screen == "CHAIN" {
		ts.chainCursor = cur.Row
	}
}

func hexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}

// Verify marks the state as freshly confirmed against the real screen.
func (ts *TrackedState) Verify() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.confidence = 1.0
}

func (ts *TrackedState) Info() TrackedStateInfo {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return TrackedStateInfo{
		Screen:      ts.screen,
		CursorRow:   ts.cursorRow,
		CursorCol:   ts.cursorCol,
		Selection:   ts.selection,
		ChainCursor: ts.chainCursor,
		Confidence:  ts.confidence,
	}
}
