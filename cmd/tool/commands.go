package tool

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/alpacahq/replicatedtree/frontend/client"
)

var (
	withZooKeeper bool
	queueFilter   string

	statusCmd = &cobra.Command{
		Use:     "status",
		Short:   "Print the replica status",
		Example: "replicatedtree tool status --zookeeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			st, err := cl.Status(ctx, withZooKeeper)
			if err != nil {
				return err
			}
			return render(os.Stdout, format, st, statusRows(st))
		},
	}

	queueCmd = &cobra.Command{
		Use:     "queue",
		Short:   "Print the replication queue",
		Example: "replicatedtree tool queue --filter '202401_*' --format csv",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			entries, err := cl.Queue(ctx, queueFilter)
			if err != nil {
				return err
			}
			return render(os.Stdout, format, entries, queueRows(entries))
		},
	}

	delayCmd = &cobra.Command{
		Use:   "delay",
		Short: "Print the absolute and relative replication delay in seconds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			d, err := cl.Delay(ctx)
			if err != nil {
				return err
			}
			return render(os.Stdout, format, d, delayRows(d))
		},
	}

	mutationsCmd = &cobra.Command{
		Use:   "mutations",
		Short: "Print the mutations of the table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, ctx, cancel, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			ms, err := cl.Mutations(ctx)
			if err != nil {
				return err
			}
			return render(os.Stdout, format, ms, mutationRows(ms))
		},
	}
)

func init() {
	statusCmd.Flags().BoolVarP(&withZooKeeper, "zookeeper", "z", false, "also read the shared log and the replica set")
	queueCmd.Flags().StringVar(&queueFilter, "filter", "", "glob on the resulting part name")
}

func connect() (*client.Client, context.Context, context.CancelFunc, error) {
	cl, err := client.NewClient(baseURL, timeout)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return cl, ctx, cancel, nil
}
