package util

import "github.com/pion/logging"

// Compile-time interface checks.
var (
	_ logging.LoggerFactory = PionLoggerFactory{}
	_ logging.LeveledLogger = (*pionLogger)(nil)
)

// PionLoggerFactory routes pion's internal ICE/DTLS/SCTP logging through the
// pterm logger. Pion is chatty, so its Info level is demoted to Debug.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: NewLogger("pion/" + scope)}
}

type pionLogger struct {
	l *Logger
}

func (p *pionLogger) Trace(msg string)                          { p.l.Tracef("%s", msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Tracef(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Tracef("%s", msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Tracef(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Debugf("%s", msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Debugf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warnf("%s", msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Errorf("%s", msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
