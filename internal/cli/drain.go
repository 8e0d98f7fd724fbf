package cli

import (
	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every active round until its queue is empty, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Drain(cmd.Context())
	},
}
