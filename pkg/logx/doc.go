// Package logx is feedrelay's structured logging on top of zerolog.
//
// Console output is human-readable with a short caller, the optional file
// sink is JSON lines, and the optional ops-chat sink forwards warnings and
// errors to Telegram through the same sender the relay delivers with.
package logx
