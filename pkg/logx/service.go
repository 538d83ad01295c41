package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "feedrelay/internal/transport"
)

const defaultLogFile = "./feedrelay.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the ops-chat sink. Lines below MinLevel are never
// forwarded, and at most RatePerSec lines per second leave the process.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the log outputs. Apply swaps them without invalidating
// loggers handed out earlier.
type Service struct {
	cur atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	path string
	ops  *opsSink
}

// New applies cfg and returns the service plus its root logger. sender
// backs the ops-chat sink and may be nil.
func New(cfg Config, sender kit.TextSender) (*Service, Logger) {
	s := &Service{ops: newOpsSink(sender)}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) root() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// OpsDropped counts ops-chat lines discarded by the rate limit or a full queue.
func (s *Service) OpsDropped() uint64 { return s.ops.dropped.Load() }

// Apply is safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if w := s.openFileLocked(cfg.File.Path); w != nil {
			writers = append(writers, w)
		}
	} else {
		s.closeFileLocked()
	}

	s.ops.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		if cfg.Telegram.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: ops chat logging enabled without a chat id; lines are dropped")
		}
		writers = append(writers, s.ops)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := newRoot(zerolog.MultiLevelWriter(writers...), parseLevel(cfg.Level, LevelInfo))
	s.cur.Store(&zl)
}

// openFileLocked keeps the current handle when the path is unchanged.
func (s *Service) openFileLocked(path string) io.Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.path == path {
		return zerolog.SyncWriter(s.file)
	}
	s.closeFileLocked()
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.file, s.path = f, path
	return zerolog.SyncWriter(f)
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.path = nil, ""
	}
}

// Close stops the ops sink and closes the log file. Later lines go to the
// console.
func (s *Service) Close() error {
	s.ops.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	zl := newRoot(consoleWriter(os.Stdout), s.root().GetLevel())
	s.cur.Store(&zl)
	s.closeFileLocked()
	return nil
}
