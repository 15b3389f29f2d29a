// Package log writes hour-rotated, zstd-compressed JSONL streams: the
// durable record of engine events and message traffic.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"undercity.gg/internal/protocol"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	// onClose fires with the finished file's path after each rotation or
	// final close (offsite mirror hook).
	onClose func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) SetOnClose(f func(path string)) {
	w.mu.Lock()
	w.onClose = f
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = w.pathForHour(hour)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.onClose != nil && w.curPath != "" {
			w.onClose(w.curPath)
		}
	}
	w.w = nil
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventLogger records every engine event (compressed JSONL).
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events")}
}

func (l *EventLogger) WriteEvent(ev protocol.Event) error { return l.w.Write(ev) }
func (l *EventLogger) Close() error                       { return l.w.Close() }
func (l *EventLogger) SetOnClose(f func(path string))     { l.w.SetOnClose(f) }

// TrafficLogger records delivered messages (compressed JSONL).
type TrafficLogger struct{ w *JSONLZstdWriter }

func NewTrafficLogger(dataDir string) *TrafficLogger {
	return &TrafficLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "traffic"), "traffic")}
}

type TrafficEntry struct {
	PlayerID string           `json:"player_id"`
	Message  protocol.Message `json:"message"`
}

func (l *TrafficLogger) WriteMessage(playerID string, m protocol.Message) error {
	return l.w.Write(TrafficEntry{PlayerID: playerID, Message: m})
}
func (l *TrafficLogger) Close() error                   { return l.w.Close() }
func (l *TrafficLogger) SetOnClose(f func(path string)) { l.w.SetOnClose(f) }
