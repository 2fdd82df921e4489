package scheduler

import (
	"fmt"
	"time"
)

// Trigger computes the next fire time after now.
type Trigger interface {
	Next(now time.Time) time.Time
	String() string
}

type interval time.Duration

// Every fires d after the previous fire.
func Every(d time.Duration) Trigger {
	return interval(d)
}

func (i interval) Next(now time.Time) time.Time {
	return now.Add(time.Duration(i))
}

func (i interval) String() string {
	return "every " + time.Duration(i).String()
}

type daily struct {
	hour   int
	minute int
}

// Daily fires once a day at hour:minute UTC.
func Daily(hour, minute int) Trigger {
	return daily{hour: hour, minute: minute}
}

func (d daily) Next(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d UTC", d.hour, d.minute)
}
