// Copyright 2024 Softwire Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util holds small helpers shared across packages.
package util

import (
	"encoding"
	"flag"
	"regexp"
	"strconv"
	"time"

	"github.com/softwireproto/dslite/pkg/private/serrors"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

var durationRegexp = regexp.MustCompile(`^(\d+)(\w*)$`)

// ParseDuration parses a duration. On top of the units supported by
// time.ParseDuration it understands d (days) and w (weeks).
func ParseDuration(s string) (time.Duration, error) {
	m := durationRegexp.FindStringSubmatch(s)
	if m == nil {
		return 0, serrors.New("invalid duration", "duration", s)
	}
	num, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, serrors.Wrap("invalid duration", err, "duration", s)
	}
	switch m[2] {
	case "d":
		return time.Duration(num) * day, nil
	case "w":
		return time.Duration(num) * week, nil
	default:
		return time.ParseDuration(s)
	}
}

// FmtDuration formats the duration, using the largest unit that divides it
// without remainder.
func FmtDuration(d time.Duration) string {
	switch {
	case d%week == 0 && d != 0:
		return strconv.FormatInt(int64(d/week), 10) + "w"
	case d%day == 0 && d != 0:
		return strconv.FormatInt(int64(d/day), 10) + "d"
	default:
		return d.String()
	}
}

var _ (encoding.TextUnmarshaler) = (*DurWrap)(nil)
var _ (encoding.TextMarshaler) = DurWrap{}
var _ (flag.Value) = (*DurWrap)(nil)

// DurWrap is a wrapper to enable marshalling and unmarshalling of durations
// with the custom format.
type DurWrap struct {
	time.Duration
}

func (d *DurWrap) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

func (d *DurWrap) Set(text string) error {
	var err error
	d.Duration, err = ParseDuration(text)
	return err
}

func (d DurWrap) MarshalText() (text []byte, err error) {
	return []byte(FmtDuration(d.Duration)), nil
}

func (d DurWrap) String() string {
	return FmtDuration(d.Duration)
}
