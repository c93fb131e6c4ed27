package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-graph/component/repository"
)

var pullCmd = &cobra.Command{
	Use:   "pull [reference...]",
	Short: "Fetch components from OCI registries into the local repository",
	Long: `Fetch components from OCI registries into the local repository.
Without arguments the references listed under components.pull are fetched.
Credentials are read from REGISTRY_USERNAME and REGISTRY_PASSWORD.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		refs := args
		if len(refs) == 0 {
			refs = cfg.Components.Pull
		}
		if len(refs) == 0 {
			return fmt.Errorf("no references given and components.pull is empty")
		}

		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		repo, err := newRepository(cfg, logger)
		if err != nil {
			return err
		}
		puller := repository.NewPuller(repository.WithPlainHTTP(cfg.Components.PlainHTTP))

		for _, ref := range refs {
			art, err := puller.Pull(cmd.Context(), ref)
			if err != nil {
				return fmt.Errorf("pull %s: %w", ref, err)
			}
			path, err := repo.Store(cmd.Context(), art.Descriptor, bytes.NewReader(art.Binary))
			if err != nil {
				return fmt.Errorf("store %s: %w", ref, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s@%s (%s)\n", ref, art.Descriptor.ID, art.Descriptor.Version, path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
