package logbuf

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the number of entries the activity log retains.
const DefaultCapacity = 200

// Log levels as exposed to observers.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Entry is one operator-facing activity log line.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	DeviceAddress string    `json:"device_address,omitempty"`
}

// Buffer is a bounded FIFO of activity log entries. Every append is also
// mirrored to the process logger so operational logs and the UI feed never
// diverge.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	logger   zerolog.Logger
	onAppend func(Entry)
	clock    func() time.Time
}

func New(capacity int, logger zerolog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Buffer{
		capacity: capacity,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetOnAppend registers a hook invoked synchronously for every new entry.
func (b *Buffer) SetOnAppend(fn func(Entry)) {
	b.mu.Lock()
	b.onAppend = fn
	b.mu.Unlock()
}

// Info appends an informational entry.
func (b *Buffer) Info(msg string) Entry { return b.append(LevelInfo, msg, "") }

// Warning appends a warning entry.
func (b *Buffer) Warning(msg string) Entry { return b.append(LevelWarning, msg, "") }

// Error appends an error entry.
func (b *Buffer) Error(msg string) Entry { return b.append(LevelError, msg, "") }

// InfoDevice appends an informational entry tied to a device address.
func (b *Buffer) InfoDevice(msg, addr string) Entry { return b.append(LevelInfo, msg, addr) }

// WarningDevice appends a warning entry tied to a device address.
func (b *Buffer) WarningDevice(msg, addr string) Entry { return b.append(LevelWarning, msg, addr) }

// ErrorDevice appends an error entry tied to a device address.
func (b *Buffer) ErrorDevice(msg, addr string) Entry { return b.append(LevelError, msg, addr) }

func (b *Buffer) append(level, msg, addr string) Entry {
	entry := Entry{
		Timestamp:     b.now(),
		Level:         level,
		Message:       msg,
		DeviceAddress: addr,
	}

	b.mu.Lock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}

	hook := b.onAppend
	b.mu.Unlock()

	b.mirror(entry)

	if hook != nil {
		hook(entry)
	}

	return entry
}

func (b *Buffer) mirror(e Entry) {
	var ev *zerolog.Event

	switch e.Level {
	case LevelWarning:
		ev = b.logger.Warn()
	case LevelError:
		ev = b.logger.Error()
	default:
		ev = b.logger.Info()
	}

	if e.DeviceAddress != "" {
		ev = ev.Str("device", e.DeviceAddress)
	}

	ev.Msg(e.Message)
}

// List returns all retained entries, oldest first.
func (b *Buffer) List() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)

	return out
}

// Tail returns the most recent n entries, oldest first.
func (b *Buffer) Tail(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.entries) == 0 {
		return []Entry{}
	}

	if n > len(b.entries) {
		n = len(b.entries)
	}

	out := make([]Entry, n)
	copy(out, b.entries[len(b.entries)-n:])

	return out
}

// Clear drops all retained entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}

func (b *Buffer) now() time.Time {
	if b.clock != nil {
		return b.clock()
	}

	return time.Now()
}
