// Package calendar answers session questions for the exchange: whether the
// market is open, when it opens next, and which windows need backfilling.
package calendar

import (
	"fmt"
	"time"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/config"
)

// Calendar is a weekday session calendar with fixed open and close times.
// Both bounds are inclusive.
type Calendar struct {
	open  config.Clock
	close config.Clock
	loc   *time.Location
}

// Range is a closed time interval.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func New(open, close config.Clock, loc *time.Location) *Calendar {
	if loc == nil {
		loc = bucket.Exchange
	}
	return &Calendar{open: open, close: close, loc: loc}
}

// FromConfig builds a calendar from the polling section. An unknown time
// zone falls back to the exchange zone.
func FromConfig(p config.PollingConfig) (*Calendar, error) {
	open, err := config.ParseClock(p.SessionOpen)
	if err != nil {
		return nil, err
	}
	close, err := config.ParseClock(p.SessionClose)
	if err != nil {
		return nil, err
	}
	if close.Hour*60+close.Minute <= open.Hour*60+open.Minute {
		return nil, fmt.Errorf("session close %s is not after open %s", p.SessionClose, p.SessionOpen)
	}

	loc := bucket.Exchange
	if p.TimeZone != "" {
		if l, err := time.LoadLocation(p.TimeZone); err == nil {
			loc = l
		}
	}
	return New(open, close, loc), nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

func IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SessionBounds returns the open and close instants of the session on the
// calendar day of t.
func (c *Calendar) SessionBounds(t time.Time) (open, close time.Time) {
	lt := t.In(c.loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, c.open.Hour, c.open.Minute, 0, 0, c.loc),
		time.Date(y, m, d, c.close.Hour, c.close.Minute, 0, 0, c.loc)
}

func (c *Calendar) IsOpen(t time.Time) bool {
	lt := t.In(c.loc)
	if !IsTradingDay(lt) {
		return false
	}
	open, close := c.SessionBounds(lt)
	return !lt.Before(open) && !lt.After(close)
}

// LastSessionDay returns the most recent trading day on or before t.
func (c *Calendar) LastSessionDay(t time.Time) time.Time {
	lt := t.In(c.loc)
	for !IsTradingDay(lt) {
		lt = lt.AddDate(0, 0, -1)
	}
	return lt
}

// PreviousSessionDay returns the trading day strictly before the day of t.
func (c *Calendar) PreviousSessionDay(t time.Time) time.Time {
	return c.LastSessionDay(t.In(c.loc).AddDate(0, 0, -1))
}

// NextOpen returns the next session open at or after t. When the market is
// open at t, it returns the open of the current session.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.loc)
	if IsTradingDay(lt) {
		open, close := c.SessionBounds(lt)
		if !lt.After(close) {
			return open
		}
	}
	for day := lt.AddDate(0, 0, 1); ; day = day.AddDate(0, 0, 1) {
		if IsTradingDay(day) {
			open, _ := c.SessionBounds(day)
			return open
		}
	}
}

// UntilOpen is the wait from t until the next open, zero if open now.
func (c *Calendar) UntilOpen(t time.Time) time.Duration {
	if c.IsOpen(t) {
		return 0
	}
	return c.NextOpen(t).Sub(t)
}

// IsNewSessionDay reports whether now falls on a different exchange-local
// day than lastBucket. A zero lastBucket counts as new.
func (c *Calendar) IsNewSessionDay(lastBucket, now time.Time) bool {
	if lastBucket.IsZero() {
		return true
	}
	ly, lm, ld := lastBucket.In(c.loc).Date()
	ny, nm, nd := now.In(c.loc).Date()
	return ly != ny || lm != nm || ld != nd
}

// BackfillWindow returns the session ranges that should be fully populated
// as of now: optionally the whole previous session, then today's session up
// to now. Ranges are ordered oldest first.
func (c *Calendar) BackfillWindow(now time.Time, includePrevious bool) []Range {
	lt := now.In(c.loc)
	var out []Range

	if includePrevious {
		open, close := c.SessionBounds(c.PreviousSessionDay(lt))
		out = append(out, Range{From: open, To: close})
	}

	if IsTradingDay(lt) {
		open, close := c.SessionBounds(lt)
		if !lt.Before(open) {
			to := lt
			if to.After(close) {
				to = close
			}
			out = append(out, Range{From: open, To: to})
		}
	}
	return out
}
