package main

import (
	"fmt"
	"log"
)

// logAdapter exposes the process loggers through the Infof/Errorf interface used by
// the engine packages.
type logAdapter struct {
	info *log.Logger
	err  *log.Logger
}

func (l logAdapter) Infof(format string, args ...interface{}) {
	l.info.Printf(format, args...)
}

func (l logAdapter) Errorf(format string, args ...interface{}) {
	_ = l.err.Output(2, fmt.Sprintf(format, args...))
}
