// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"fmt"

	"github.com/hsm11/device/src/logger"
)

// pkgLogger is the package-wide console logger; every Device shares it,
// matching the teacher's package-level logrus.Debugf-style calls in
// src/spm/spmutil.go rather than threading a logger through every value.
// It is held as the logger.Logger interface, not *logger.ModLogger, so a
// future backend swap only needs a different constructor here.
var pkgLogger logger.Logger

func init() {
	l, err := logger.NewLogger("", logger.LogLevelWarn)
	if err != nil {
		// Console-only construction (empty logName) never touches the
		// filesystem, so this path is unreachable in practice.
		panic(err)
	}
	pkgLogger = l
}

// SetLogLevel adjusts the verbosity of this package's logger, for example
// to silence Warn-level chatter from expected edge cases (e.g. the
// ambiguous-label scenario in spec §8).
func SetLogLevel(l logger.LogLevel) error {
	return pkgLogger.SetLogLevel(l)
}

func logWarnf(format string, args ...interface{}) {
	pkgLogger.Warn(fmt.Errorf(format, args...))
}

func logDebugf(format string, args ...interface{}) {
	pkgLogger.Debug(fmt.Errorf(format, args...))
}
