package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/cf-client/pkg/client"
	"github.com/Sternrassler/cf-client/pkg/job"
)

type deleteFunc func(c *client.Client, ctx context.Context, id string, async bool) (*job.Reference, error)

var deleters = map[string]deleteFunc{
	"route":          (*client.Client).DeleteRoute,
	"domain":         (*client.Client).DeleteDomain,
	"service-broker": (*client.Client).DeleteServiceBroker,
}

func deleteKinds() string {
	kinds := make([]string, 0, len(deleters))
	for k := range deleters {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return strings.Join(kinds, ", ")
}

func newDeleteCmd(a *app) *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "delete <kind> <guid>",
		Short: "Delete a resource asynchronously and wait for the delete job",
		Long:  "Kinds: " + deleteKinds() + ".",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			del, ok := deleters[args[0]]
			if !ok {
				return fmt.Errorf("unknown kind %q (want one of %s)", args[0], deleteKinds())
			}
			id := args[1]
			ctx := cmd.Context()

			start := time.Now()
			ref, err := del(a.client, ctx, id, true)
			if err != nil {
				return err
			}
			a.logger.Info().Str("kind", args[0]).Str("id", id).Stringer("job", ref).Msg("Delete accepted")

			switch {
			case ref == nil:
				return printResult(cmd.OutOrStdout(), id, start, nil)
			case noWait:
				return printAccepted(cmd.OutOrStdout(), ref.ID, start)
			}
			return printResult(cmd.OutOrStdout(), ref.ID, start, a.client.WaitForJobV2(ctx, ref))
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Print the job and return without waiting")
	cmd.Flags().Duration(flagTimeout, 0, "Give up waiting after this long (env: CF_JOB_TIMEOUT, default 5m)")
	return cmd
}
