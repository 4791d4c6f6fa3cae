// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package m8 implements the M8 tracker display protocol: command parsing and
// the two screen projections (character grid and pixel framebuffer) derived
// from the command stream.
package m8

import "encoding/binary"

// Command identifiers (first byte of a decoded frame).
const (
	cmdSystem    = 0xFF
	cmdRectangle = 0xFE
	cmdText      = 0xFD
	cmdWave      = 0xFC
	cmdJoypad    = 0xFB
)

// Screen geometry.
const (
	ScreenWidth  = 320
	ScreenHeight = 240
	GridCols     = 40
	GridRows     = 24
	CellWidth    = 8
	CellHeight   = 10
)

type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Command is one parsed display-protocol frame.
type Command interface {
	// Kind returns the wire-level command name, used as the JSON type tag.
	Kind() string
}

type RectCommand struct {
	X     uint16 `json:"x"`
	Y     uint16 `json:"y"`
	W     uint16 `json:"w"`
	H     uint16 `json:"h"`
	Color Color  `json:"color"`
}

type TextCommand struct {
	Char uint8  `json:"c"`
	X    uint16 `json:"x"`
	Y    uint16 `json:"y"`
	FG   Color  `json:"fg"`
	BG   Color  `json:"bg"`
}

type WaveCommand struct {
	Color   Color  `json:"color"`
	Samples []byte `json:"samples"`
}

type JoypadCommand struct {
	State uint16 `json:"state"`
}

type SystemCommand struct {
	HWType   uint8 `json:"hwType"`
	FWMajor  uint8 `json:"fwMajor"`
	FWMinor  uint8 `json:"fwMinor"`
	FWPatch  uint8 `json:"fwPatch"`
	FontMode uint8 `json:"fontMode"`
}

func (*RectCommand) Kind() string   { return "rect" }
func (*TextCommand) Kind() string   { return "text" }
func (*WaveCommand) Kind() string   { return "wave" }
func (*JoypadCommand) Kind() string { return "joypad" }
func (*SystemCommand) Kind() string { return "system" }

// Parser converts SLIP frames into commands. It carries the one piece of
// inter-frame wire state: rectangles may omit their color, inheriting the
// color of the last rectangle that carried one.
type Parser struct {
	lastRectColor Color
}

func NewParser() *Parser {
	return &Parser{}
}

// Parse interprets one frame. Unknown identifiers and under-length frames for
// known identifiers return nil; the stream is non-adversarial and newer
// firmware may emit commands this parser does not know.
func (p *Parser) Parse(frame []byte) Command {
	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case cmdRectangle:
		return p.parseRect(frame)
	case cmdText:
		return parseText(frame)
	case cmdWave:
		return parseWave(frame)
	case cmdJoypad:
		return parseJoypad(frame)
	case cmdSystem:
		return parseSystem(frame)
	}
	return nil
}

func u16le(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func rgb(b []byte) Color {
	return Color{R: b[0], G: b[1], B: b[2]}
}

// Rectangle frames come in four lengths. 5: position only, 1x1, inherited
// color. 8: position + color, 1x1. 9: position + size, inherited color.
// 12: position + size + color.
func (p *Parser) parseRect(frame []byte) Command {
	if len(frame) < 5 {
		return nil
	}
	cmd := &RectCommand{
		X: u16le(frame[1:3]),
		Y: u16le(frame[3:5]),
		W: 1,
		H: 1,
	}
	switch len(frame) {
	case 5:
		cmd.Color = p.lastRectColor
	case 8:
		cmd.Color = rgb(frame[5:8])
		p.lastRectColor = cmd.Color
	case 9:
		cmd.W = u16le(frame[5:7])
		cmd.H = u16le(frame[7:9])
		cmd.Color = p.lastRectColor
	case 12:
		cmd.W = u16le(frame[5:7])
		cmd.H = u16le(frame[7:9])
		cmd.Color = rgb(frame[9:12])
		p.lastRectColor = cmd.Color
	default:
		return nil
	}
	return cmd
}

func parseText(frame []byte) Command {
	if len(frame) != 12 {
		return nil
	}
	return &TextCommand{
		Char: frame[1],
		X:    u16le(frame[2:4]),
		Y:    u16le(frame[4:6]),
		FG:   rgb(frame[6:9]),
		BG:   rgb(frame[9:12]),
	}
}

func parseWave(frame []byte) Command {
	if len(frame) < 4 {
		return nil
	}
	samples := make([]byte, len(frame)-4)
	copy(samples, frame[4:])
	return &WaveCommand{
		Color:   rgb(frame[1:4]),
		Samples: samples,
	}
}

// The joypad frame is 2 or 3 bytes depending on firmware; both are accepted.
func parseJoypad(frame []byte) Command {
	switch len(frame) {
	case 2:
		return &JoypadCommand{State: uint16(frame[1])}
	case 3:
		return &JoypadCommand{State: u16le(frame[1:3])}
	}
	return nil
}

func parseSystem(frame []byte) Command {
	if len(frame) != 6 {
		return nil
	}
	return &SystemCommand{
		HWType:   frame[1],
		FWMajor:  frame[2],
		FWMinor:  frame[3],
		FWPatch:  frame[4],
		FontMode: frame[5],
	}
}
