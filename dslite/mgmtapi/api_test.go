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

package mgmtapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwireproto/dslite/dslite"
	"github.com/softwireproto/dslite/pkg/log"
)

func TestEndpoints(t *testing.T) {
	dp := dslite.NewDataPlane(log.Root())
	require.NoError(t, dp.SetMode(dslite.ModeAFTR))
	s := &Server{DataPlane: dp, Logger: log.Root()}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	t.Run("info", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/info")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info dslite.Info
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		assert.Equal(t, "aftr", info.Mode)
		assert.Equal(t, 0, info.Sessions)
	})

	t.Run("sessions empty", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/sessions")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var infos []dslite.SessionInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		assert.Empty(t, infos)
	})

	t.Run("b4s empty", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/b4s")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var infos []dslite.B4Info
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		assert.Empty(t, infos)
	})

	t.Run("unknown route", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
