package poller

import (
	"time"

	"stock-cockpit/config"
)

type window struct {
	name       string
	start, end int // minutes since midnight, end exclusive
}

// Clock decides whether wall-clock time falls in a configured trading session.
type Clock struct {
	windows []window
	loc     *time.Location
}

func NewClock(sessions []config.SessionWindow, loc *time.Location) (*Clock, error) {
	if loc == nil {
		loc = time.Local
	}
	c := &Clock{loc: loc}
	for _, s := range sessions {
		sh, sm, err := config.ParseClock(s.Start)
		if err != nil {
			return nil, err
		}
		eh, em, err := config.ParseClock(s.End)
		if err != nil {
			return nil, err
		}
		c.windows = append(c.windows, window{name: s.Name, start: sh*60 + sm, end: eh*60 + em})
	}
	return c, nil
}

// Active returns the name of the session containing t.
func (c *Clock) Active(t time.Time) (string, bool) {
	local := t.In(c.loc)
	minute := local.Hour()*60 + local.Minute()
	for _, w := range c.windows {
		if minute >= w.start && minute < w.end {
			return w.name, true
		}
	}
	return "", false
}
