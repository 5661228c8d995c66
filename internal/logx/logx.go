// Package logx extends stdlib structured logging with the CRITICAL severity
// Iron Dome needs for cryptographic-activity detections, without replacing
// slog itself. Every component takes a *slog.Logger as a constructor
// parameter rather than reaching into a package-level global, so this
// package adds a level and a small helper, not a logging framework.
package logx

import (
	"context"
	"log/slog"
)

// LevelCritical sits above slog.LevelError so CRITICAL records sort and
// filter correctly alongside the stdlib levels.
const LevelCritical = slog.Level(12)

// levelNames maps LevelCritical to the readable name ReplaceAttr renders in
// place of slog.Level's String output.
var levelNames = map[slog.Leveler]string{
	LevelCritical: "CRITICAL",
}

// ReplaceAttr is installed on a slog.HandlerOptions to render LevelCritical
// as "CRITICAL" instead of slog's default "ERROR+4".
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	if name, ok := levelNames[level]; ok {
		a.Value = slog.StringValue(name)
	}
	return a
}

// Critical logs msg at LevelCritical. Use it for findings that correlate
// high/rising entropy with a /dev/urandom reader — the one record class in
// Iron Dome that an operator should never be able to mistake for routine
// noise.
func Critical(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelCritical, msg, args...)
}
