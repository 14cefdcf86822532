package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/doctalk/internal/docstore"
	"github.com/lexiqai/doctalk/internal/identity"
	"github.com/spf13/cobra"
)

// newDocsCmd creates the "doctalk docs" subcommand, which lists the local
// document store without connecting to the service.
func newDocsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List documents in the local document store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cfg.DocStorePath == "" {
				return errors.New("docs: no document store configured (set DOCSTORE_PATH or --docstore)")
			}
			userID, ok := identity.New(cfg.UserID, cfg.AccessToken, cfg.JWTSecret).CurrentUserID()
			if !ok {
				return errors.New("docs: no user (set DOCTALK_USER_ID or DOCTALK_ACCESS_TOKEN)")
			}

			store, err := docstore.Open(cmd.Context(), cfg.DocStorePath)
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			defer store.Close()
			return listDocuments(cmd, store, userID)
		},
	}
}

func listDocuments(cmd *cobra.Command, store docstore.Store, userID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	docs, err := store.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("docs: %w", err)
	}
	writeDocuments(cmd.OutOrStdout(), docs)
	return nil
}
