// Package cbmlog centralises logrus setup so every package logs through
// the same formatter and level, following the teacher's one-logger-per-
// server convention (SPEC_FULL.md §2 AMBIENT STACK).
package cbmlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the server-wide *logrus.Logger: text formatter (matching
// the teacher's plain, timestamped log lines), level from levelName,
// optionally tee'd to a file in addition to stderr.
func New(levelName, logFile string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		l.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return l, nil
}
