package main

import (
	"fmt"

	"coedit/api/internal/store"
	"coedit/api/internal/util"

	"github.com/spf13/cobra"
)

func init() {
	documentCmd := &cobra.Command{
		Use:   "document",
		Short: "Manage documents and their collaborators",
	}

	var (
		id            string
		title         string
		content       string
		collaborators []string
	)
	create := &cobra.Command{
		Use:   "create <owner>",
		Short: "Create a document owned by <owner>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			db, st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if id == "" {
				id = util.NewID("doc")
			}
			if err := st.InsertDocument(cmd.Context(), store.Document{ID: id, Title: title, Owner: args[0], Content: content}); err != nil {
				return err
			}
			for _, username := range collaborators {
				if err := st.AddCollaborator(cmd.Context(), id, username); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	create.Flags().StringVar(&id, "id", "", "Document id (default: generated)")
	create.Flags().StringVar(&title, "title", "Untitled", "Document title")
	create.Flags().StringVar(&content, "content", "", "Initial text")
	create.Flags().StringSliceVar(&collaborators, "collaborator", nil, "Username allowed to edit (repeatable)")

	share := &cobra.Command{
		Use:   "share <document-id> <username>",
		Short: "Add a collaborator to a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			db, st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if _, err := st.GetDocument(cmd.Context(), args[0]); err != nil {
				return err
			}
			return st.AddCollaborator(cmd.Context(), args[0], args[1])
		},
	}

	unshare := &cobra.Command{
		Use:   "unshare <document-id> <username>",
		Short: "Remove a collaborator from a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			db, st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return st.RemoveCollaborator(cmd.Context(), args[0], args[1])
		},
	}

	documentCmd.AddCommand(create, share, unshare)
	rootCmd.AddCommand(documentCmd)
}
