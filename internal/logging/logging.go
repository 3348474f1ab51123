// SPDX-License-Identifier: Apache-2.0

// Package logging configures the process-wide logger.
package logging

import (
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Init configures the logger. Verbose selects debug level.
func Init(verbose bool) {
	log = logrus.New()

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// Get returns the logger instance.
func Get() *logrus.Logger {
	if log == nil {
		Init(false)
	}
	return log
}
