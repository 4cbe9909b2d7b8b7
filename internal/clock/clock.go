// Package clock provides timezone-aware current time to the rest of the
// application. Injecting a Clock keeps every deadline computation in the
// single configured timezone and lets tests pin the current instant.
package clock

import "time"

// Clock supplies the current timezone-aware instant.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock, converted into a fixed
// location.
type System struct {
	loc *time.Location
}

// NewSystem creates a system clock for the given IANA timezone name,
// for example "Europe/Stockholm".
func NewSystem(timezone string) (*System, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &System{loc: loc}, nil
}

// Now returns the current instant in the configured location.
func (c *System) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the configured location.
func (c *System) Location() *time.Location {
	return c.loc
}
