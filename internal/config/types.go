package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration is a time.Duration written as "2s", "1m30s". Bare numbers are
// read as seconds so `config set typing.quietPeriod 3` does what it says.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", data)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SizeBytes is a byte count written as "10MB", "512 KiB" or a plain number.
type SizeBytes int64

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// MarshalJSON writes the humanized form only when it reads back exactly.
func (s SizeBytes) MarshalJSON() ([]byte, error) {
	str := s.String()
	if v, err := humanize.ParseBytes(str); err == nil && SizeBytes(v) == s {
		return json.Marshal(str)
	}
	return json.Marshal(int64(s))
}

func (s *SizeBytes) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = SizeBytes(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("size must be a string or number: %s", data)
	}
	v, err := humanize.ParseBytes(str)
	if err != nil {
		return err
	}
	*s = SizeBytes(v)
	return nil
}
