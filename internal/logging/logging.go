// Package logging provides the single structured logger used across the
// recovery pipeline. Every pass logs through fields (site, rva, func_ea)
// rather than free text, since an operator judges recovery quality by
// reading these logs against the final counts on ProtectedInput.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger with the given verbosity. debug=true enables
// debug-level output (per-instruction tracing in the CFG stepper and
// dispatcher emulation); otherwise only pass-level progress is logged.
func New(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// Nop returns a logger that discards all output, for use in tests and
// in library callers that have not supplied their own.
func Nop() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}
