package cmdchan

import (
	"github.com/joeycumines/logiface"
)

// violation returns a warning builder for a guest protocol violation, or nil
// if the category has exceeded its rate limit. Builders are nil-safe.
func (c *Channel) violation(category string) *logiface.Builder[logiface.Event] {
	b := c.logger.Warning()
	if !b.Enabled() {
		return b
	}
	if _, ok := c.violations.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Str("violation", category)
}

// antsLogger routes buffer pool diagnostics to the channel logger.
type antsLogger struct {
	logger *logiface.Logger[logiface.Event]
}

func (x antsLogger) Printf(format string, args ...any) {
	x.logger.Err().Logf(format, args...)
}
