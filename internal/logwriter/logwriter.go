// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package logwriter implements writing to log.Logger's.
package logwriter // import "soulcare.app/soulchat/internal/logwriter"

import (
	"io"
	"log"
	"strings"
)

type logWriter struct {
	logger *log.Logger
}

// Write logs p as a single entry.
// Trailing line endings are dropped since the logger adds its own.
func (lw logWriter) Write(p []byte) (int, error) {
	lw.logger.Println(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// New returns a writer that mirrors all writes to the provided logger.
// This is used to log raw frames from the live channel.
func New(logger *log.Logger) io.Writer {
	return logWriter{
		logger: logger,
	}
}
