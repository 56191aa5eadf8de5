package warden

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// verifierLog is the per-verification trace, the moral equivalent of the
// kernel verifier log. Trace lines go out at debug level through the
// configured logrus logger and, when capture is enabled, into a buffer the
// Result exposes so rejections can be diagnosed after the fact.
type verifierLog struct {
	entry   *logrus.Entry
	capture *strings.Builder
}

func newVerifierLog(logger *logrus.Logger, capture bool) *verifierLog {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	l := &verifierLog{entry: logger.WithField("component", "verifier")}
	if capture {
		l.capture = &strings.Builder{}
	}
	return l
}

func (l *verifierLog) tracef(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
	l.record(format, args...)
}

func (l *verifierLog) infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
	l.record(format, args...)
}

func (l *verifierLog) record(format string, args ...interface{}) {
	if l.capture == nil {
		return
	}
	l.capture.WriteString(fmt.Sprintf(strings.TrimRight(format, "\n"), args...))
	l.capture.WriteByte('\n')
}

func (l *verifierLog) text() string {
	if l.capture == nil {
		return ""
	}
	return l.capture.String()
}
