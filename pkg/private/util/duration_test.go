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

package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	tests := map[string]struct {
		d         time.Duration
		assertErr assert.ErrorAssertionFunc
	}{
		"10s":  {d: 10 * time.Second, assertErr: assert.NoError},
		"10m":  {d: 10 * time.Minute, assertErr: assert.NoError},
		"2h":   {d: 2 * time.Hour, assertErr: assert.NoError},
		"3d":   {d: 3 * 24 * time.Hour, assertErr: assert.NoError},
		"1w":   {d: 7 * 24 * time.Hour, assertErr: assert.NoError},
		"0s":   {d: 0, assertErr: assert.NoError},
		"":     {assertErr: assert.Error},
		"5x":   {assertErr: assert.Error},
		"-10s": {assertErr: assert.Error},
	}
	for input, test := range tests {
		t.Run(input, func(t *testing.T) {
			d, err := ParseDuration(input)
			test.assertErr(t, err)
			if err == nil {
				assert.Equal(t, test.d, d)
			}
		})
	}
}

func TestFmtDuration(t *testing.T) {
	assert.Equal(t, "10s", FmtDuration(10*time.Second))
	assert.Equal(t, "3d", FmtDuration(3*24*time.Hour))
	assert.Equal(t, "2w", FmtDuration(14*24*time.Hour))
	assert.Equal(t, "0s", FmtDuration(0))
}
