// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// PCM format of the capture stream.
const (
	wavSampleRate = 44100
	wavChannels   = 2
	wavBitDepth   = 16
)

const wavHeaderSize = 44

// WavRecorder appends captured PCM to a RIFF/WAVE file. The size fields in
// the header are patched when the recording closes.
type WavRecorder struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	written uint32
}

// NewWavRecorder opens a recording at path, or under the default recordings
// directory with a generated session name when path is empty.
func NewWavRecorder(path string) (*WavRecorder, error) {
	if path == "" {
		dir := "recordings"
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create recording directory: %w", err)
		}
		name := findNextRecordingName(dir, time.Now())
		if name == "" {
			return nil, fmt.Errorf("failed to scan recording directory %s", dir)
		}
		path = filepath.Join(dir, name)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	wr := &WavRecorder{file: file, path: path}
	if err := wr.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	slog.Info("Recording started", "path", path)
	return wr, nil
}

// findNextRecordingName scans the directory for today's session files and
// returns the next free name.
func findNextRecordingName(dir string, now time.Time) string {
	today := now.Format("2006-01-02")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	pattern := regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-rec(\d+)\.wav$`)
	maxSession := -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := pattern.FindStringSubmatch(entry.Name())
		if len(matches) == 3 && matches[1] == today {
			if n, err := strconv.Atoi(matches[2]); err == nil && n > maxSession {
				maxSession = n
			}
		}
	}
	return fmt.Sprintf("%s-rec%d.wav", today, maxSession+1)
}

func (wr *WavRecorder) writeHeader() error {
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], wavChannels)
	binary.LittleEndian.PutUint32(header[24:28], wavSampleRate)
	byteRate := uint32(wavSampleRate * wavChannels * wavBitDepth / 8)
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], wavChannels*wavBitDepth/8)
	binary.LittleEndian.PutUint16(header[34:36], wavBitDepth)
	copy(header[36:40], "data")
	// Sizes at 4:8 and 40:44 are patched on close.
	_, err := wr.file.Write(header)
	return err
}

func (wr *WavRecorder) Path() string {
	return wr.path
}

// Write appends one PCM chunk. Errors are logged, not propagated; a failing
// disk must not take the audio stream down.
func (wr *WavRecorder) Write(pcm []byte) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.file == nil {
		return
	}
	n, err := wr.file.Write(pcm)
	if err != nil {
		slog.Error("Failed to write recording", "path", wr.path, "error", err)
		return
	}
	wr.written += uint32(n)
}

// Close patches the RIFF size fields and closes the file. Safe to call twice.
func (wr *WavRecorder) Close() {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.file == nil {
		return
	}

	sizes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizes, 36+wr.written)
	wr.file.WriteAt(sizes, 4)
	binary.LittleEndian.PutUint32(sizes, wr.written)
	wr.file.WriteAt(sizes, 40)

	wr.file.Close()
	wr.file = nil
	slog.Info("Recording closed", "path", wr.path, "bytes", wr.written)
}
