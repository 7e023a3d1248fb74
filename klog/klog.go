// Package klog provides one structured logrus entry per kernel subsystem.
// Biscuit logs subsystem events with raw fmt.Printf; this repo keeps the
// terse, lower-case, unpunctuated message style but routes it through
// logrus so callers (and the cmd/kernelsim driver) get leveled, field-rich
// output instead of free-text prints.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("KERNEL_DEBUG") != "" {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// For returns the package-scoped logger entry for a subsystem, e.g.
// klog.For("mem") or klog.For("channel").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsys", subsystem)
}

// SetLevel changes the global log level, used by cmd/kernelsim's -v flag.
func SetLevel(lvl logrus.Level) {
	base.SetLevel(lvl)
}
