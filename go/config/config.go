// Package config holds types shared by the configuration files of all
// binaries.
package config

import (
	"time"
)

// Duration allows a duration to be written as a human readable string in a
// config file, e.g. "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
