package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPrintQueryCmd() *cobra.Command {
	var f queryFlags

	cmd := &cobra.Command{
		Use:   "print-query",
		Short: "Print the API query the given flags would produce",
		Long: `Builds the JSON query payload from the same flags the run command takes
and prints it, so a query can be inspected or saved before spending quota.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := f.resolve()
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, q, "", "  "); err != nil {
				return fmt.Errorf("format query: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}

	f.register(cmd)
	return cmd
}
