package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"teamsrelay/pkg/client"
	"teamsrelay/pkg/config"
	"teamsrelay/pkg/ui/chat"

	"github.com/spf13/cobra"
)

var (
	promptText string
	chatID     string
	senderID   string
	relayURL   string
	plainMode  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Talk to a running relay as a Teams user would",
	Long:  "Sends turns to POST /internal/inbound of a running relay. With a prompt it sends one turn and exits; otherwise it opens an interactive console.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		url := strings.TrimSpace(relayURL)
		if url == "" {
			url = cfg.Relay.URL
		}
		relayClient, err := client.New(url, cfg.Relay.InternalToken, nil)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ask := askFunc(relayClient, chatID, senderID)
		info := chat.SessionInfo{Endpoint: relayClient.Endpoint(), ChatID: chatID}
		prompt := resolvePrompt(args)

		switch {
		case plainMode && prompt != "":
			result, _ := ask(ctx, prompt)
			fmt.Fprintln(cmd.OutOrStdout(), result.Reply())
			return nil
		case prompt != "":
			return chat.RunOneShot(ctx, ask, info, prompt)
		default:
			return chat.RunInteractive(ctx, ask, info)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
	chatCmd.Flags().StringVar(&chatID, "chat-id", "console", "chat id sent with every turn")
	chatCmd.Flags().StringVar(&senderID, "sender-id", "console-user", "sender id sent with every turn")
	chatCmd.Flags().StringVar(&relayURL, "url", "", "relay base url (defaults to relay.url)")
	chatCmd.Flags().BoolVar(&plainMode, "plain", false, "print the reply without the terminal UI")
}

func askFunc(relayClient *client.Client, chatID, senderID string) chat.AskFunc {
	return func(ctx context.Context, prompt string) (client.Result, error) {
		return relayClient.Ask(ctx, client.Request{
			ChatID:   chatID,
			SenderID: senderID,
			Content:  prompt,
			Metadata: map[string]string{"source": "console"},
		})
	}
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}
	return strings.Join(strings.Fields(strings.Join(args, " ")), " ")
}
