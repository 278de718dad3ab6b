package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Operator and development client for aero-chat-relay",
		Long: `relayctl mints access tokens, opens interactive chat sessions against an
aero-chat-relay instance and prints conversations from a file store log.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newTokenCmd(), newChatCmd(), newHistoryCmd())
	return root
}
