package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whale-sh/whale/internal/gateway"
	"github.com/whale-sh/whale/pkg/protocol"
)

func attachCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "attach [url]",
		Short: "Connect a terminal to a running `whale serve` endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				url = args[0]
			}
			return runAttach(url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:18790/ws", "serve endpoint to attach to")
	return cmd
}

func runAttach(url string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, ready, err := gateway.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("attached · %s · protocol %d · %d tools\n", ready.Model, ready.Version, len(ready.Tools))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}

		if err := client.Query(ctx, line); err != nil {
			return fmt.Errorf("query: %w", err)
		}
		terminal, err := streamWithAbort(ctx, client)
		if err != nil {
			return err
		}
		if terminal.Type == protocol.FrameError {
			fmt.Printf("✗ %s: %s\n", terminal.Kind, terminal.Error)
		}
	}
}

// streamWithAbort renders the reply, turning ctrl-C into an abort message
// instead of killing the client.
func streamWithAbort(parent context.Context, client *gateway.Client) (*protocol.Frame, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		select {
		case <-interrupt:
			client.Abort(parent)
		case <-ctx.Done():
		}
	}()

	return client.Stream(ctx, os.Stdout)
}
