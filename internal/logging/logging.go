// Package logging hands out *log.Logger values backed by klog so components keep a plain
// Printf-style logger while severity, verbosity and output are controlled by klog flags.
package logging

import (
	"flag"
	"log"
	"strings"

	"k8s.io/klog/v2"
)

// Init registers klog's flags on fs (flag.CommandLine when nil). Call before flag.Parse.
func Init(fs *flag.FlagSet) {
	klog.InitFlags(fs)
}

// New returns an INFO logger whose lines start with "[component] ".
func New(component string) *log.Logger {
	return withPrefix(klog.NewStandardLogger("INFO"), component)
}

// Errors returns an ERROR logger for component.
func Errors(component string) *log.Logger {
	return withPrefix(klog.NewStandardLogger("ERROR"), component)
}

// Verbose reports whether klog verbosity level is enabled, for detail that should stay out of
// the default output.
func Verbose(level int) bool {
	return klog.V(klog.Level(level)).Enabled()
}

// Flush writes any buffered log lines. Binaries defer it from main.
func Flush() {
	klog.Flush()
}

func withPrefix(l *log.Logger, component string) *log.Logger {
	if component = strings.TrimSpace(component); component != "" {
		l.SetPrefix("[" + component + "] ")
	}
	return l
}
