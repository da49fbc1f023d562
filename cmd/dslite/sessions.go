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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/softwireproto/dslite/dslite"
	"github.com/softwireproto/dslite/dslite/config"
	"github.com/softwireproto/dslite/pkg/private/serrors"
)

func newSessions() *cobra.Command {
	var flags struct {
		api  string
		json bool
	}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the live sessions of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var infos []dslite.SessionInfo
			if err := apiGet(flags.api, "/sessions", &infos); err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{
				"Softwire", "Client", "Public", "Proto", "FIB",
				"Idle", "Packets", "Bytes",
			})
			now := time.Now()
			for _, s := range infos {
				table.Append([]string{
					s.Softwire.String(),
					fmt.Sprintf("%s:%d", s.ClientAddr, s.ClientPort),
					fmt.Sprintf("%s:%d", s.PublicAddr, s.PublicPort),
					s.Proto,
					strconv.Itoa(int(s.FIB)),
					now.Sub(s.LastHeard).Truncate(time.Second).String(),
					strconv.Itoa(int(s.TotalPkts)),
					strconv.FormatUint(s.TotalBytes, 10),
				})
			}
			table.Render()
			return nil
		},
	}
	addAPIFlags(cmd, &flags.api, &flags.json)
	return cmd
}

func newB4s() *cobra.Command {
	var flags struct {
		api  string
		json bool
	}
	cmd := &cobra.Command{
		Use:   "b4s",
		Short: "List the known B4 tunnel endpoints of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var infos []dslite.B4Info
			if err := apiGet(flags.api, "/b4s", &infos); err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Softwire", "Sessions", "Worker"})
			for _, b := range infos {
				table.Append([]string{
					b.Softwire.String(),
					strconv.Itoa(int(b.Sessions)),
					strconv.Itoa(b.Worker),
				})
			}
			table.Render()
			return nil
		},
	}
	addAPIFlags(cmd, &flags.api, &flags.json)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, api *string, jsonOut *bool) {
	cmd.Flags().StringVar(api, "api", "localhost"+config.DefaultAPIAddr,
		"Management API address of the gateway")
	cmd.Flags().BoolVar(jsonOut, "json", false, "Write the output as machine readable json")
}

func apiGet(addr, path string, v interface{}) error {
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return serrors.Wrap("querying management API", err, "addr", addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serrors.New("management API error", "status", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return serrors.Wrap("decoding management API response", err)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
