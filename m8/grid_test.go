package m8

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestApplyTextBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Uint16().Draw(t, "x")
		y := rapid.Uint16().Draw(t, "y")

		g := NewTextGrid()
		before := g.Rows()
		g.ApplyText(&TextCommand{Char: 'Z', X: x, Y: y, FG: Color{1, 2, 3}, BG: Color{4, 5, 6}})
		after := g.Rows()

		row := int(y) / CellHeight
		col := int(x) / CellWidth
		inRange := row < GridRows && col < GridCols

		changed := 0
		for r := range after {
			for c := range after[r] {
				if after[r][c] != before[r][c] {
					changed++
					if !inRange || r != row || c != col {
						t.Fatalf("cell (%d,%d) changed for text at (%d,%d)", r, c, x, y)
					}
				}
			}
		}
		if inRange && changed != 1 {
			t.Fatalf("expected exactly one cell change, got %d", changed)
		}
		if !inRange && changed != 0 {
			t.Fatalf("out-of-range text changed %d cells", changed)
		}
	})
}

func TestApplyTextCell(t *testing.T) {
	g := NewTextGrid()
	g.ApplyText(&TextCommand{Char: 'A', X: 16, Y: 20, FG: Color{255, 255, 255}, BG: Color{0, 0, 0}})

	cell := g.Cell(2, 2)
	if cell.Char != 'A' || cell.FG != (Color{255, 255, 255}) || cell.BG != (Color{0, 0, 0}) {
		t.Fatalf("unexpected cell: %+v", cell)
	}
	// White foreground is a highlight, so the cursor follows.
	if g.Cursor() != (Cursor{Row: 2, Col: 2}) {
		t.Fatalf("cursor not updated: %+v", g.Cursor())
	}
}

func TestApplyTextNonHighlightKeepsCursor(t *testing.T) {
	g := NewTextGrid()
	g.ApplyText(&TextCommand{Char: 'A', X: 16, Y: 20, FG: Color{255, 255, 255}, BG: black})
	g.ApplyText(&TextCommand{Char: 'B', X: 32, Y: 40, FG: Color{100, 100, 100}, BG: black})
	if g.Cursor() != (Cursor{Row: 2, Col: 2}) {
		t.Fatalf("dim text moved the cursor: %+v", g.Cursor())
	}
}

func TestApplyTextNonPrintableBecomesSpace(t *testing.T) {
	g := NewTextGrid()
	g.ApplyText(&TextCommand{Char: 0x07, X: 0, Y: 0, FG: white, BG: black})
	if g.Cell(0, 0).Char != ' ' {
		t.Fatalf("non-printable char not mapped to space: %q", g.Cell(0, 0).Char)
	}
}

func TestFullScreenRectClearsGrid(t *testing.T) {
	g := NewTextGrid()
	g.ApplyText(&TextCommand{Char: 'A', X: 16, Y: 20, FG: white, BG: black})

	g.ApplyRect(&RectCommand{X: 0, Y: 0, W: 320, H: 240, Color: black})

	cell := g.Cell(2, 2)
	if cell.Char != ' ' || cell.FG != white || cell.BG != black {
		t.Fatalf("grid not reset: %+v", cell)
	}
	if g.Cursor() != (Cursor{}) {
		t.Fatalf("cursor not homed: %+v", g.Cursor())
	}
}

func TestPartialRectBlanksCells(t *testing.T) {
	g := NewTextGrid()
	g.ApplyText(&TextCommand{Char: 'A', X: 0, Y: 0, FG: white, BG: black})
	g.ApplyText(&TextCommand{Char: 'B', X: 16, Y: 0, FG: white, BG: black})

	red := Color{200, 0, 0}
	g.ApplyRect(&RectCommand{X: 0, Y: 0, W: 8, H: 10, Color: red})

	if got := g.Cell(0, 0); got.Char != ' ' || got.BG != red {
		t.Fatalf("covered cell not blanked: %+v", got)
	}
	if got := g.Cell(0, 2); got.Char != 'B' {
		t.Fatalf("uncovered cell changed: %+v", got)
	}
}

func TestRenderTrimsTrailingSpace(t *testing.T) {
	g := NewTextGrid()
	g.ApplyText(&TextCommand{Char: 'S', X: 0, Y: 0, FG: white, BG: black})
	g.ApplyText(&TextCommand{Char: 'X', X: 8, Y: 10, FG: white, BG: black})

	want := "S\n X"
	if got := g.Render(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHeader(t *testing.T) {
	g := NewTextGrid()
	for i, ch := range []byte("SONG") {
		g.ApplyText(&TextCommand{Char: ch, X: uint16(i * 8), Y: 0, FG: white, BG: black})
	}
	if g.Header() != "SONG" {
		t.Fatalf("header = %q", g.Header())
	}
	if !strings.HasPrefix(g.Render(), "SONG") {
		t.Fatalf("render does not start with header")
	}
}
