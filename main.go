// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg := LoadConfig()
	setupLogging(cfg.LogLevel)

	link := NewSerialLink(cfg.Baud, cfg.AutoReconnect, cfg.ReconnectInterval)
	if cfg.SerialPort != "" {
		link.SetConfiguredPath(cfg.SerialPort)
	}
	tracked := NewTrackedState()
	audioHub := NewAudioHub()

	var capture *AudioCapture
	if cfg.AudioEnabled {
		capture = NewAudioCapture(cfg.AudioCaptureBin, audioHub)
	}

	var tcp *TCPBroadcaster
	if cfg.TCPPort != 0 {
		var err error
		tcp, err = NewTCPBroadcaster(cfg.TCPPort, func(data []byte) {
			if err := link.Write(data); err != nil {
				slog.Debug("Client input dropped", "error", err)
			}
		})
		if err != nil {
			slog.Error("Failed to start TCP broadcaster", "error", err)
			os.Exit(1)
		}
	}

	gateway := &Gateway{
		link:    link,
		tcp:     tcp,
		audio:   audioHub,
		capture: capture,
		tracked: tracked,
	}
	gateway.input = NewInputEncoder(link)

	ws := NewWSHub(gateway)
	gateway.ws = ws

	fanout := NewFanout(ws, tcp, tracked)
	gateway.fanout = fanout

	// Audio fan-out: framed chunks to /audio, raw PCM to TCP.
	audioHub.OnPCM(ws.BroadcastAudio)
	audioHub.OnControl(ws.BroadcastAudio)
	if tcp != nil {
		audioHub.OnRawPCM(tcp.PushAudio)
	}
	if capture != nil {
		ws.OnAudioConsumer(func() {
			if err := capture.Start(); err != nil {
				slog.Warn("Audio capture start failed", "error", err)
				audioHub.PublishControl(map[string]any{"event": "captureError", "error": err.Error()})
			}
		})
	}

	// Serial sinks, in order: raw bytes first, then the frame decoder.
	link.OnBytes(fanout.HandleRawChunk)
	link.OnFrameBytes(fanout.HandleFrameChunk)
	link.OnConnect(func(path string) { go gateway.AfterConnect() })
	link.OnDisconnect(func() {
		audioHub.PublishControl(map[string]any{"event": "deviceDisconnected"})
	})
	link.OnError(func(err error) {
		slog.Error("Serial link error", "error", err)
	})

	// The device may be absent at startup; the sockets bind regardless and
	// the reconnect loop keeps scanning.
	if err := link.Connect(cfg.SerialPort); err != nil {
		slog.Warn("Device not connected at startup", "error", err)
		if cfg.AutoReconnect {
			go link.ScanUntilConnected()
		}
	}

	go fanout.Run()

	mux := http.NewServeMux()
	gateway.Register(mux)
	ws.Register(mux)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Failed to bind HTTP port", "addr", addr, "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP server listening", "addr", addr)

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig)

	// Shutdown order: timers, audio, network consumers, then the device.
	fanout.Stop()
	if capture != nil {
		capture.Stop()
	}
	audioHub.StopRecording()
	if tcp != nil {
		tcp.Close()
	}
	ws.CloseAll()
	server.Close()
	link.Stop()
}
