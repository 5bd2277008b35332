package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// operator is the principal used for provisioning from the command line, where the caller
// already has direct access to the database.
var operator = scheduler.Actor{ID: "cli", Role: scheduler.RoleAdmin}

func newActorsCommand(opts *rootOptions) *cobra.Command {
	actors := &cobra.Command{
		Use:   "actors",
		Short: "Manage actors and their access keys",
	}

	var input application.ActorInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Provision an actor and print its access key",
		Long: `Create provisions an actor directly in storage. Use it to bootstrap the first
admin; further actors can be provisioned through the API.

The access key is printed once and cannot be recovered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			repos, err := openRepositories(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer repos.close()

			service := application.NewActorService(repos.actors, application.ActorServiceOptions{Logger: logger})
			creds, err := service.CreateActor(cmd.Context(), operator, input)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(creds)
		},
	}
	create.Flags().StringVar(&input.ID, "id", "", "actor id")
	create.Flags().StringVar(&input.DisplayName, "name", "", "display name")
	create.Flags().StringVar(&input.Role, "role", string(scheduler.RoleAdmin), "admin, trainer or client")
	_ = create.MarkFlagRequired("id")
	_ = create.MarkFlagRequired("name")

	actors.AddCommand(create)
	return actors
}
