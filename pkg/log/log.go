// SPDX-License-Identifier: GPL-2.0-or-later

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

// UnixMicro time in microseconds.
type UnixMicro uint64

// Entry log entry.
type Entry struct {
	Level   Level     `json:"level"`
	Time    UnixMicro `json:"time"`
	Src     string    `json:"src"`
	Session string    `json:"session"`
	Msg     string    `json:"msg"`
}

// Event defines log event.
type Event struct {
	level   Level
	time    UnixMicro
	src     string
	session string

	logger *Logger
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Session sets the recording session the event belongs to.
func (e *Event) Session(sessionID string) *Event {
	e.session = sessionID
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	e.logger.send(Entry{
		Level:   e.level,
		Time:    e.time,
		Src:     e.src,
		Session: e.session,
		Msg:     msg,
	})
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

type logFeed chan Entry

// feedSize is the number of entries that can be queued before
// new entries are discarded. Msg is called from the frame path
// and must never wait for a subscriber.
const feedSize = 1024

// Logger logs.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	discarded uint64

	Ctx context.Context
	wg  *sync.WaitGroup
}

// NewLogger returns a new Logger, Start must be called before use.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed, feedSize),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),

		Ctx: context.Background(),
		wg:  wg,
	}
}

// NewMockLogger used for testing.
func NewMockLogger() *Logger {
	return NewLogger(&sync.WaitGroup{})
}

func (l *Logger) send(entry Entry) {
	select {
	case l.feed <- entry:
	default:
		atomic.AddUint64(&l.discarded, 1)
	}
}

// Discarded returns the number of entries dropped because the feed was full.
func (l *Logger) Discarded() uint64 {
	return atomic.LoadUint64(&l.discarded)
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.Ctx = ctx
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					ch <- entry
				}
			}
		}
	}()
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry := <-feed:
			fmt.Println(formatEntry(entry))
		case <-ctx.Done():
			return
		}
	}
}

func formatEntry(entry Entry) string {
	var output string

	switch entry.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if entry.Session != "" {
		output += entry.Session + ": "
	}
	if entry.Src != "" {
		output += strings.ToUpper(entry.Src[:1]) + entry.Src[1:] + ": "
	}

	output += entry.Msg
	return output
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}

// LevelInLevels returns true if levels is nil or contains level.
func LevelInLevels(level Level, levels []Level) bool {
	if levels == nil {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

// StringInStrings returns true if strings is nil or contains s.
func StringInStrings(s string, strings []string) bool {
	if strings == nil {
		return true
	}
	for _, str := range strings {
		if str == s {
			return true
		}
	}
	return false
}
