// Package logx is streamwatch's logging layer on top of zerolog.
//
// Console output is human readable, the optional file sink is JSON, and warn+
// lines can be mirrored to an operator Telegram chat. Components derive their
// logger with With(logx.String("comp", ...)).
package logx
