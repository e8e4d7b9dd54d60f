// Command collab edits a task from the terminal against a running API.
// Edits made while the server is unreachable are kept in a local outbox file
// and replayed when the session reconnects.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"taskcollab/api/internal/client"
	"taskcollab/api/internal/config"
	"taskcollab/api/internal/outbox"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/session"
	"taskcollab/api/internal/store"
)

type agentFlags struct {
	user   string
	name   string
	role   string
	create bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.LoadAgent()
	flags := agentFlags{user: os.Getenv("USER"), role: "partner"}

	cmd := &cobra.Command{
		Use:          "collab <task>",
		Short:        "Edit a task together with whoever else has it open",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.user == "" {
				return errors.New("--user is required")
			}
			if flags.name == "" {
				flags.name = flags.user
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, flags, args[0], os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&flags.user, "user", "u", flags.user, "user id to edit as")
	cmd.Flags().StringVar(&flags.name, "name", "", "display name, defaults to the user id")
	cmd.Flags().StringVar(&flags.role, "role", flags.role, "owner, partner or viewer")
	cmd.Flags().BoolVar(&flags.create, "create", false, "create the task when it does not exist (owners only)")
	cmd.Flags().StringVarP(&cfg.ServerURL, "server", "s", cfg.ServerURL, "API base url")
	cmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "bearer token; without one the server must serve development tokens")
	cmd.Flags().StringVar(&cfg.OutboxPath, "outbox", cfg.OutboxPath, "file holding unacknowledged edits")
	return cmd
}

func runAgent(ctx context.Context, cfg config.Agent, flags agentFlags, taskID string, in io.Reader, out io.Writer) error {
	who := protocol.Identity{UserID: flags.user, DisplayName: flags.name, Role: flags.role}
	token := cfg.Token
	if token == "" {
		issued, err := client.IssueToken(ctx, cfg.ServerURL, who)
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		token = issued
	}
	api := client.New(cfg.ServerURL, token, nil)

	pending, err := outbox.OpenBolt(cfg.OutboxPath)
	if err != nil {
		return err
	}
	defer pending.Close()

	stream := client.NewStream(cfg.ServerURL, token, taskID)
	defer stream.Close()

	m := session.New(session.Options{
		Authority:         api,
		Transport:         stream,
		Outbox:            pending,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AckTimeout:        cfg.AckTimeout,
		Debounce:          cfg.TextDebounce,
	})

	err = m.StartEditing(ctx, taskID, who)
	if errors.Is(err, store.ErrTaskNotFound) && flags.create {
		if err := api.CreateTask(ctx, taskID); err != nil {
			return err
		}
		err = m.StartEditing(ctx, taskID, who)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := m.StopEditing(context.Background(), flags.user); err != nil {
			log.Printf("collab: leave %s: %v", taskID, err)
		}
	}()

	go watch(ctx, m, out)

	c := &console{m: m, userID: flags.user, out: out}
	c.show()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(ctx, line)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// watch prints session events and rejoins whenever the link drops.
func watch(ctx context.Context, m *session.Manager, out io.Writer) {
	var reconnecting atomic.Bool
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.Events():
			if line := describe(event); line != "" {
				fmt.Fprintln(out, line)
			}
			if event.Type != session.EventOffline || !reconnecting.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer reconnecting.Store(false)
				if err := m.Reconnect(ctx); err != nil && ctx.Err() == nil {
					log.Printf("collab: %v", err)
				}
			}()
		}
	}
}
