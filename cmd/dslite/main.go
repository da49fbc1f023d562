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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:           "dslite",
		Short:         "DS-Lite gateway",
		Long:          "dslite runs a DS-Lite (RFC 6333) gateway, either as the\nprovider-side AFTR or as the customer-side B4 element.",
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newRun(),
		newSampleConfig(),
		newSessions(),
		newB4s(),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
