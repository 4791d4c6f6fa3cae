// SPDX-License-Identifier: AGPL-3.0-or-later
package m8

import "encoding/binary"

// Framebuffer is the pixel projection of the screen: 320x240 RGB rebuilt from
// the command stream. It also tracks the current background color (adopted
// from full-screen rectangle fills) and the footprint of the last waveform so
// the overlay can be cleared before the next one draws.
type Framebuffer struct {
	pixels     [ScreenHeight][ScreenWidth]Color
	background Color
	font       Font
	lastWave   int // column width of the previous waveform band, 0 if none
}

func NewFramebuffer() *Framebuffer {
	return &Framebuffer{font: fonts[0]}
}

// SetFontMode selects the glyph atlas used for text stamping.
func (fb *Framebuffer) SetFontMode(mode uint8) {
	fb.font = FontForMode(mode)
}

// At returns the pixel color, black out of range.
func (fb *Framebuffer) At(x, y int) Color {
	if x < 0 || x >= ScreenWidth || y < 0 || y >= ScreenHeight {
		return black
	}
	return fb.pixels[y][x]
}

func (fb *Framebuffer) set(x, y int, c Color) {
	if x < 0 || x >= ScreenWidth || y < 0 || y >= ScreenHeight {
		return
	}
	fb.pixels[y][x] = c
}

// Background returns the current background color.
func (fb *Framebuffer) Background() Color {
	return fb.background
}

func (fb *Framebuffer) fill(x, y, w, h int, c Color) {
	x0 := max(x, 0)
	y0 := max(y, 0)
	x1 := min(x+w, ScreenWidth)
	y1 := min(y+h, ScreenHeight)
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			fb.pixels[py][px] = c
		}
	}
}

// ApplyRect paints the rectangle, clipped to the screen. A fill covering the
// whole screen also becomes the new background color.
func (fb *Framebuffer) ApplyRect(cmd *RectCommand) {
	fb.fill(int(cmd.X), int(cmd.Y), int(cmd.W), int(cmd.H), cmd.Color)
	if cmd.X == 0 && cmd.Y == 0 && cmd.W >= ScreenWidth && cmd.H >= ScreenHeight {
		fb.background = cmd.Color
	}
}

// ApplyText stamps one glyph at the command position. The glyph bounding box
// is painted with the background color first, then the lit atlas pixels in
// the foreground color. Char codes below the font's base index stamp nothing.
func (fb *Framebuffer) ApplyText(cmd *TextCommand) {
	f := fb.font
	cols, ok := f.glyph(cmd.Char)
	if !ok {
		return
	}
	x := int(cmd.X)
	y := int(cmd.Y) + f.TextOffsetY

	fb.fill(x, y, f.StrideX, (f.GlyphHeight+f.BaselineShift)*f.Scale, cmd.BG)

	for cx := 0; cx < f.GlyphWidth; cx++ {
		col := cols[cx]
		for cy := 0; cy < f.GlyphHeight; cy++ {
			if col&(1<<cy) == 0 {
				continue
			}
			px := x + cx*f.Scale
			py := y + (cy+f.BaselineShift)*f.Scale
			for sy := 0; sy < f.Scale; sy++ {
				for sx := 0; sx < f.Scale; sx++ {
					fb.set(px+sx, py+sy, cmd.FG)
				}
			}
		}
	}
}

// ApplyWave draws the scrolling waveform overlay in the rightmost band, one
// column per sample. The previous waveform's band is cleared to the current
// background color first; the new sample count becomes the footprint for the
// next call.
func (fb *Framebuffer) ApplyWave(cmd *WaveCommand) {
	if fb.lastWave > 0 {
		fb.fill(ScreenWidth-fb.lastWave, 0, fb.lastWave, fb.font.WaveMax+1, fb.background)
	}
	n := len(cmd.Samples)
	if n > ScreenWidth {
		n = ScreenWidth
	}
	x0 := ScreenWidth - n
	for i := 0; i < n; i++ {
		y := int(cmd.Samples[i])
		if y > fb.font.WaveMax {
			y = fb.font.WaveMax
		}
		fb.set(x0+i, y, cmd.Color)
	}
	fb.lastWave = n
}

// BMP header layout: 14-byte file header + 40-byte BITMAPINFOHEADER.
const bmpHeaderSize = 54

// BMP serializes the framebuffer as a 24-bit bottom-up BMP with 4-byte
// aligned rows. The snapshot is taken at call time; the result aliases no
// internal state.
func (fb *Framebuffer) BMP() []byte {
	rowSize := (ScreenWidth*3 + 3) &^ 3
	imageSize := rowSize * ScreenHeight
	out := make([]byte, bmpHeaderSize+imageSize)

	out[0] = 'B'
	out[1] = 'M'
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[10:14], bmpHeaderSize)
	binary.LittleEndian.PutUint32(out[14:18], 40)
	binary.LittleEndian.PutUint32(out[18:22], ScreenWidth)
	binary.LittleEndian.PutUint32(out[22:26], ScreenHeight)
	binary.LittleEndian.PutUint16(out[26:28], 1)
	binary.LittleEndian.PutUint16(out[28:30], 24)
	binary.LittleEndian.PutUint32(out[34:38], uint32(imageSize))

	// Rows are stored bottom-up, pixels as BGR.
	for y := 0; y < ScreenHeight; y++ {
		row := out[bmpHeaderSize+(ScreenHeight-1-y)*rowSize:]
		for x := 0; x < ScreenWidth; x++ {
			c := fb.pixels[y][x]
			row[x*3+0] = c.B
			row[x*3+1] = c.G
			row[x*3+2] = c.R
		}
	}
	return out
}
