package chat

import (
	"context"
	"fmt"

	"teamsrelay/pkg/client"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// AskFunc sends one prompt to the relay.
type AskFunc func(ctx context.Context, prompt string) (client.Result, error)

// SessionInfo is shown in the console header.
type SessionInfo struct {
	Endpoint string
	ChatID   string
}

func RunInteractive(ctx context.Context, askFn AskFunc, info SessionInfo) error {
	program := tea.NewProgram(newModel(ctx, askFn, modeInteractive, "", info), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOneShot sends prompt, renders the answer card and exits.
func RunOneShot(ctx context.Context, askFn AskFunc, info SessionInfo, prompt string) error {
	program := tea.NewProgram(newModel(ctx, askFn, modeOneShot, prompt, info))
	_, err := program.Run()
	return err
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("61")).
		Padding(1, 2)

	return style.Render("Relay console closed")
}
