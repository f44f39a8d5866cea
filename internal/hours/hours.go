// Package hours implements the business-hours gate applied to every inbound
// message before the flow engine runs.
//
// This is a calendar-window policy: it is distinct from the on-shift agent
// headcount, which reports who actually clocked in.
package hours

import (
	"fmt"
	"log/slog"
	"time"
)

// Default window: Bogota local time, Monday through Saturday.
const (
	DefaultTimezone  = "America/Bogota"
	DefaultStartHour = 8
	DefaultEndHour   = 18
)

// DefaultClosedNotice is sent when a message arrives outside the window.
const DefaultClosedNotice = "Gracias por escribirnos. Nuestro horario de atención es de lunes a sábado de 8:00 a.m. a 6:00 p.m. Te responderemos tan pronto estemos de vuelta."

// Opts holds configuration for the gate.
type Opts struct {
	Timezone  string
	StartHour int
	EndHour   int
	Days      map[time.Weekday]bool
	Notice    string
	Now       func() time.Time
}

// Option configures the gate.
type Option func(*Opts)

// WithTimezone sets the IANA timezone the window is evaluated in.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// WithWindow sets the opening and closing hour (24h, local time).
func WithWindow(start, end int) Option {
	return func(o *Opts) {
		o.StartHour = start
		o.EndHour = end
	}
}

// WithDays sets the weekdays the window applies to.
func WithDays(days ...time.Weekday) Option {
	return func(o *Opts) {
		o.Days = make(map[time.Weekday]bool, len(days))
		for _, d := range days {
			o.Days[d] = true
		}
	}
}

// WithNotice overrides the outside-hours notice text.
func WithNotice(notice string) Option {
	return func(o *Opts) { o.Notice = notice }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Gate decides whether the bot may run for an inbound event.
type Gate struct {
	loc       *time.Location
	startHour int
	endHour   int
	days      map[time.Weekday]bool
	notice    string
	now       func() time.Time
}

// NewGate builds a gate with the given options applied over the defaults.
func NewGate(opts ...Option) (*Gate, error) {
	cfg := Opts{
		Timezone:  DefaultTimezone,
		StartHour: DefaultStartHour,
		EndHour:   DefaultEndHour,
		Notice:    DefaultClosedNotice,
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Days == nil {
		cfg.Days = map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true, time.Saturday: true,
		}
	}
	if cfg.StartHour < 0 || cfg.EndHour > 24 || cfg.StartHour >= cfg.EndHour {
		return nil, fmt.Errorf("invalid business hours window: %d-%d", cfg.StartHour, cfg.EndHour)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", cfg.Timezone, err)
	}
	slog.Debug("Business-hours gate created", "timezone", cfg.Timezone, "start", cfg.StartHour, "end", cfg.EndHour)
	return &Gate{
		loc:       loc,
		startHour: cfg.StartHour,
		endHour:   cfg.EndHour,
		days:      cfg.Days,
		notice:    cfg.Notice,
		now:       cfg.Now,
	}, nil
}

// Open reports whether the bot may run right now.
func (g *Gate) Open() bool {
	return g.OpenAt(g.now())
}

// OpenAt reports whether the window is open at the given instant.
func (g *Gate) OpenAt(t time.Time) bool {
	local := t.In(g.loc)
	if !g.days[local.Weekday()] {
		return false
	}
	h := local.Hour()
	return h >= g.startHour && h < g.endHour
}

// Notice returns the canned outside-hours reply.
func (g *Gate) Notice() string {
	return g.notice
}
