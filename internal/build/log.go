// Package build sets up logging for the whole process: a console handler and
// a rotating log file, with one tagged logger per subsystem.
package build

import (
	"fmt"
	"io"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"

	"github.com/nhle/mailrpc/internal/config"
	"github.com/nhle/mailrpc/internal/emailrpc"
	"github.com/nhle/mailrpc/internal/filterapi"
	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
	"github.com/nhle/mailrpc/internal/store"
	"github.com/nhle/mailrpc/internal/watcher"
)

// MainSubsystem tags log lines from the command itself.
const MainSubsystem = "MAIN"

type subsystem struct {
	tag string
	use func(btclogv2.Logger)
}

var subsystems = []subsystem{
	{store.Subsystem, store.UseLogger},
	{config.Subsystem, config.UseLogger},
	{mailbox.Subsystem, mailbox.UseLogger},
	{emailrpc.Subsystem, emailrpc.UseLogger},
	{watcher.Subsystem, watcher.UseLogger},
	{filterapi.Subsystem, filterapi.UseLogger},
}

// Logging owns the process's log handlers.
type Logging struct {
	root     *HandlerSet
	handlers map[string]btclogv2.Handler
	loggers  map[string]btclogv2.Logger
	file     *RotatingLogWriter
}

// SetupLogging builds the handlers described by cfg and installs a logger in
// every subsystem. console may be nil to log to the file only.
func SetupLogging(cfg model.LogConfig, console io.Writer) (*Logging, error) {
	level, ok := btclog.LevelFromString(cfg.Level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var (
		handlers []btclogv2.Handler
		file     *RotatingLogWriter
	)
	if console != nil && !cfg.NoConsole {
		handlers = append(handlers, btclogv2.NewDefaultHandler(console))
	}
	if cfg.Dir != "" {
		var err error
		file, err = NewRotatingLogWriter(cfg.Dir, cfg.MaxSizeMB,
			cfg.MaxFiles)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, btclogv2.NewDefaultHandler(file))
	}

	l := &Logging{
		root:     NewHandlerSet(handlers...),
		handlers: make(map[string]btclogv2.Handler),
		loggers:  make(map[string]btclogv2.Logger),
		file:     file,
	}

	l.register(MainSubsystem)
	for _, s := range subsystems {
		s.use(l.register(s.tag))
	}
	l.setLevel(level)

	return l, nil
}

func (l *Logging) register(tag string) btclogv2.Logger {
	h := l.root.SubSystem(tag)
	logger := btclogv2.NewSLogger(h)

	l.handlers[tag] = h
	l.loggers[tag] = logger

	return logger
}

// Logger returns the logger for a subsystem tag, or a disabled logger for
// unknown tags.
func (l *Logging) Logger(tag string) btclogv2.Logger {
	if logger, ok := l.loggers[tag]; ok {
		return logger
	}
	return btclogv2.Disabled
}

// SetLevel changes the level of every subsystem.
func (l *Logging) SetLevel(name string) error {
	level, ok := btclog.LevelFromString(name)
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	l.setLevel(level)
	return nil
}

func (l *Logging) setLevel(level btclog.Level) {
	l.root.SetLevel(level)
	for _, h := range l.handlers {
		h.SetLevel(level)
	}
}

// Close disables every subsystem logger and flushes the log file.
func (l *Logging) Close() error {
	for _, s := range subsystems {
		s.use(btclogv2.Disabled)
	}
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
