package jsonhelper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a [time.Duration] in configuration files.
//
// It is written as a Go duration string ("7s", "10m"). A bare number,
// quoted or not, is a whole number of seconds.
type Duration time.Duration

// Seconds returns the duration as a whole number of seconds, rounded down.
func (d Duration) Seconds() int64 {
	return int64(time.Duration(d) / time.Second)
}

// String returns the duration in Go duration syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	if secs, err := strconv.ParseInt(string(text), 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", text, err)
	}
	*d = Duration(duration)
	return nil
}

// UnmarshalJSON implements [json.Unmarshaler], accepting both strings and numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	if bytes.ContainsAny(data, ".eE") {
		return fmt.Errorf("bad duration %s: seconds must be a whole number", data)
	}
	return d.UnmarshalText(data)
}
