package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

type historyOptions struct {
	storePath string
	user      string
	with      string
	kind      string
	jsonOut   bool
}

func newHistoryCmd() *cobra.Command {
	opts := historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the messages exchanged between two users",
		Long: `Print the messages two users exchanged, oldest first, from the log written by
STORE=file. The log is only read, so this is safe against a running relay.

Examples:
  relayctl history --store-path /var/lib/aero/chat.log --user 5 --with 9
  relayctl history --store-path chat.log --user alice --with bob --kind string --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printHistory(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.storePath, "store-path", "", "message log written by STORE=file")
	cmd.Flags().StringVar(&opts.user, "user", "", "one participant")
	cmd.Flags().StringVar(&opts.with, "with", "", "the other participant")
	cmd.Flags().StringVar(&opts.kind, "kind", string(identity.KindInt), "identity kind: int or string")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print one JSON object per message")
	_ = cmd.MarkFlagRequired("store-path")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("with")
	return cmd
}

func printHistory(out io.Writer, opts historyOptions) error {
	if opts.storePath == "" {
		return errors.New("--store-path is required")
	}
	kind, err := identity.ParseKind(opts.kind)
	if err != nil {
		return err
	}
	a, err := kind.Parse(opts.user)
	if err != nil {
		return fmt.Errorf("--user: %w", err)
	}
	b, err := kind.Parse(opts.with)
	if err != nil {
		return fmt.Errorf("--with: %w", err)
	}

	msgs, err := store.ReadConversation(opts.storePath, a, b)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		for _, m := range msgs {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	}
	for _, m := range msgs {
		if _, err := fmt.Fprintf(out, "#%d %s %s -> %s: %s\n",
			m.ID, m.Timestamp.Format(time.RFC3339), m.SenderID, m.ReceiverID, m.Content); err != nil {
			return err
		}
	}
	return nil
}
