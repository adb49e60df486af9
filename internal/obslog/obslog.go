// Package obslog provides the structured, leveled logging used across
// package scheduler and package computepool.
//
// It builds directly on github.com/joeycumines/logiface (the logging
// framework the teacher repository standardizes on throughout its
// sub-modules), writing to a log/slog.Handler. The pack's own
// logiface-slog adapter module was considered, but its Event
// implementation shares a package with files declaring two different
// package names (slog and islog) in the same directory, which is a
// symptom of a broken/unreleased state in the retrieval pack, not
// something worth depending on; this package supplies the small
// logiface.Event implementation directly instead.
package obslog

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/joeycumines/logiface"
)

// Logger is the logger type used throughout this module.
type Logger = logiface.Logger[*Event]

// Event adapts logiface's field-accumulation protocol to a slog.Record.
type Event struct {
	logiface.UnimplementedEvent

	level logiface.Level
	attrs []slog.Attr
	msg   string
}

// Level implements logiface.Event.
func (e *Event) Level() logiface.Level { return e.level }

// AddField implements logiface.Event.
func (e *Event) AddField(key string, val any) {
	e.attrs = append(e.attrs, slog.Any(key, val))
}

// AddMessage implements the optional logiface.Event method.
func (e *Event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

// AddError implements the optional logiface.Event method.
func (e *Event) AddError(err error) bool {
	e.attrs = append(e.attrs, slog.Any("err", err))
	return true
}

// AddString is an optional optimisation over AddField.
func (e *Event) AddString(key string, val string) bool {
	e.attrs = append(e.attrs, slog.String(key, val))
	return true
}

// AddInt is an optional optimisation over AddField.
func (e *Event) AddInt(key string, val int) bool {
	e.attrs = append(e.attrs, slog.Int(key, val))
	return true
}

// AddInt64 is an optional optimisation over AddField.
func (e *Event) AddInt64(key string, val int64) bool {
	e.attrs = append(e.attrs, slog.Int64(key, val))
	return true
}

// AddBool is an optional optimisation over AddField.
func (e *Event) AddBool(key string, val bool) bool {
	e.attrs = append(e.attrs, slog.Bool(key, val))
	return true
}

// AddDuration is an optional optimisation over AddField.
func (e *Event) AddDuration(key string, val time.Duration) bool {
	e.attrs = append(e.attrs, slog.Duration(key, val))
	return true
}

// AddTime is an optional optimisation over AddField.
func (e *Event) AddTime(key string, val time.Time) bool {
	e.attrs = append(e.attrs, slog.Time(key, val))
	return true
}

// AddBase64Bytes is an optional optimisation over AddField.
func (e *Event) AddBase64Bytes(key string, val []byte, enc *base64.Encoding) bool {
	e.attrs = append(e.attrs, slog.String(key, enc.EncodeToString(val)))
	return true
}

func slogLevel(l logiface.Level) slog.Level {
	switch {
	case l >= logiface.LevelDebug:
		return slog.LevelDebug
	case l >= logiface.LevelInformational:
		return slog.LevelInfo
	case l >= logiface.LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// handlerWriter writes finalized Events to an slog.Handler.
type handlerWriter struct {
	handler slog.Handler
}

func (w handlerWriter) Write(e *Event) error {
	if !w.handler.Enabled(context.Background(), slogLevel(e.level)) {
		return nil
	}
	r := slog.NewRecord(time.Now(), slogLevel(e.level), e.msg, 0)
	r.AddAttrs(e.attrs...)
	return w.handler.Handle(context.Background(), r)
}

func newEvent(level logiface.Level) *Event {
	return &Event{level: level}
}

func releaseEvent(*Event) {}

// New constructs a Logger that writes through handler, defaulting to
// logiface.LevelInformational (matching the slog.Handler default).
func New(handler slog.Handler, level logiface.Level) *Logger {
	if level == logiface.LevelDisabled {
		level = logiface.LevelInformational
	}
	return logiface.New[*Event](
		logiface.WithLevel[*Event](level),
		logiface.WithEventFactory[*Event](logiface.NewEventFactoryFunc(newEvent)),
		logiface.WithEventReleaser[*Event](logiface.NewEventReleaserFunc(releaseEvent)),
		logiface.WithWriter[*Event](logiface.NewWriterFunc(handlerWriter{handler: handler}.Write)),
	)
}

// Discard returns a Logger that drops every event; used as the default
// when a caller doesn't supply one (e.g. scheduler.New without
// WithLogger).
func Discard() *Logger {
	return New(discardHandler{}, logiface.LevelError+1)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool       { return false }
func (discardHandler) Handle(context.Context, slog.Record) error      { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler       { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler             { return discardHandler{} }
