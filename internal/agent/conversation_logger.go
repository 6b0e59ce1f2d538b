package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// ConversationLogger records user messages and assistant replies.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig configures the NDJSON conversation log.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one NDJSON line.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}

func (noopConversationLogger) Close() error { return nil }

// fileConversationLogger writes events from a bounded queue on one goroutine
// so request paths never block on disk.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	files     map[string]*os.File
	global    *os.File
}

// NewConversationLogger returns a logger for cfg. A fully disabled config
// yields a logger that discards events.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}

	if cfg.Enabled {
		if cfg.Dir == "" {
			return nil, errors.New("conversation log dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, errors.New("conversation log global path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. When the queue is full the event is dropped.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType)
	}
}

// Close drains the queue and closes every file.
func (l *fileConversationLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done

	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	if l.global != nil {
		errs = append(errs, l.global.Close())
	}
	return errors.Join(errs...)
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if err := l.writeSession(event, line); err != nil {
				l.logger.Warn("Failed to write conversation log", "session_id", event.SessionID, "error", err)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) writeSession(event ConversationLogEvent, line []byte) error {
	user := safePathComponent(event.UserID, "anonymous")
	session := safePathComponent(event.SessionID, "default")
	key := user + "/" + session

	f, ok := l.files[key]
	if !ok {
		dir := filepath.Join(l.cfg.Dir, user)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(filepath.Join(dir, session+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		l.files[key] = f
	}
	_, err := f.Write(line)
	return err
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safePathComponent(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// cleanForReadability strips terminal escape sequences and control
// characters, and collapses runs of whitespace.
func cleanForReadability(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
