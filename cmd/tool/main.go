package tool

import (
	"time"

	"github.com/spf13/cobra"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Inspects a running replica"
	toolLongDesc  = "This command queries the RPC endpoint of a running replica and prints its state."
	toolExample   = "replicatedtree tool status --url http://localhost:5993 [--format csv]"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:     toolUsage,
		Short:   toolShortDesc,
		Long:    toolLongDesc,
		Example: toolExample,
	}

	baseURL string
	format  string
	timeout time.Duration
)

func init() {
	Cmd.PersistentFlags().StringVarP(&baseURL, "url", "u", "http://localhost:5993", "base URL of the replica")
	Cmd.PersistentFlags().StringVarP(&format, "format", "f", formatJSON, "output format: json or csv")
	Cmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "request timeout")

	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(queueCmd)
	Cmd.AddCommand(delayCmd)
	Cmd.AddCommand(mutationsCmd)
}
