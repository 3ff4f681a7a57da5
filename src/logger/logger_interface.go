// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package logger implements wrapper for standard log package.
//
// Outputs log to console and log file with file rotation.

package logger

// Logger is the leveled-logging capability the pk11 package's
// package-level logger satisfies; pk11 only ever calls Warn/Debug, but
// the fuller interface is kept so other components of this module (or a
// future one) can share the same logger registry.
type Logger interface {
	NewLogger(logName string, logLevel ...LogLevel) (Logger, error)
	DeleteLogger() error
	SetLogLevel(logLevel LogLevel) error
	Fatal(err error, intf ...interface{})
	Panic(err error, intf ...interface{})
	Error(err error, intf ...interface{})
	Warn(err error, intf ...interface{})
	Info(err error, intf ...interface{})
	Debug(err error, intf ...interface{})
	Trace(err error, intf ...interface{})
}
