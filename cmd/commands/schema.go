/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/processor/builtin"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/schema/driver"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
)

func NewSchemaCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "schema",
		Short: "Print the state column families a builtin processor declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			name, _ := flags.GetString("processor")
			operatorID, _ := flags.GetString("operator-id")
			ttl, _ := flags.GetDuration("ttl")
			timeout, _ := flags.GetDuration("timeout")
			tm, _ := flags.GetString("time-mode")
			om, _ := flags.GetString("output-mode")
			timeMode, err := processor.ParseTimeMode(tm)
			if err != nil {
				return err
			}
			outputMode, err := processor.ParseOutputMode(om)
			if err != nil {
				return err
			}
			variant, err := builtin.New(name, builtin.Args{TTL: ttl, Timeout: timeout})
			if err != nil {
				return err
			}
			ctx := logging.WithLogger(cmd.Context(), logging.NewLogger().Named("schema"))
			cfs, err := driver.Introspect(ctx, variant, processor.QueryInfo{OperatorID: operatorID, PartitionID: -1}, outputMode, timeMode, schema.TypeOf[string]())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfs, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	addProcessorFlags(command.Flags())
	return command
}
