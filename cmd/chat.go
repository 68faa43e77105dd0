package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/whale-sh/whale/internal/agent"
	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/store"
)

// statusWidth bounds tool and sub-agent status lines in the transcript.
const statusWidth = 100

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Interactive conversation (default when run from a terminal)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(strings.Join(args, " "))
		},
	}
}

func runChat(initialPrompt string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	session, err := resolveSession(e)
	if err != nil {
		return err
	}
	e.bindSession(session, debugMode)

	ui := &chatUI{engine: e}
	e.events.Subscribe("chat", ui.render)

	fmt.Printf("whale %s · %s · %s mode · /help for commands\n", Version, cfg.Model, cfg.PermissionMode)
	if session.Title != "" {
		fmt.Printf("resuming %q (%d messages)\n", session.Title, len(session.Messages))
	}

	if initialPrompt != "" {
		if err := ui.runTurn(ctx, session, initialPrompt); err != nil {
			return err
		}
	}

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
		if strings.HasPrefix(line, "/") {
			done, newSession, err := ui.command(line, session)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if newSession != nil {
				session = newSession
				e.bindSession(session, debugMode)
			}
			if done {
				return nil
			}
			continue
		}
		if err := ui.runTurn(ctx, session, line); err != nil {
			return err
		}
	}
}

// chatUI renders bus events to the terminal and owns the turn lifecycle.
type chatUI struct {
	engine  *engine
	inReply bool
}

// runTurn executes one user message. Ctrl-C cancels the turn and returns
// to the prompt instead of exiting.
func (ui *chatUI) runTurn(parent context.Context, session *store.Session, prompt string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		select {
		case <-interrupt:
			fmt.Println("\n(cancelling, ctrl-c again to force quit)")
			cancel()
		case <-ctx.Done():
		}
	}()

	loop := ui.engine.newLoop(session, ui.engine.permissionMode, ui.confirm)
	_, err := loop.Run(ctx, prompt)
	ui.inReply = false
	if err != nil {
		switch agent.KindOf(err) {
		case agent.KindCancelled:
			return nil // error event already rendered
		case agent.KindBudgetExceeded, agent.KindTurnLimit, agent.KindBailed:
			return nil
		}
		if parent.Err() != nil {
			return err
		}
		return nil
	}
	return nil
}

// confirm asks before a mutating tool runs in default permission mode.
func (ui *chatUI) confirm(ctx context.Context, name string, input map[string]any) bool {
	detail := ""
	for _, key := range []string{"command", "path", "url"} {
		if v, ok := input[key].(string); ok {
			detail = v
			break
		}
	}
	title := fmt.Sprintf("Run %s?", name)
	if detail != "" {
		title = fmt.Sprintf("Run %s: %s?", name, runewidth.Truncate(detail, statusWidth-len(name)-8, "…"))
	}

	ok := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Allow").
			Negative("Deny").
			Value(&ok),
	))
	err := form.RunWithContext(ctx)
	return err == nil && ok
}

// render is the bus subscriber for the interactive transcript.
func (ui *chatUI) render(ev bus.Event) {
	switch ev.Type {
	case bus.EventText:
		if ev.AgentID != "" {
			return
		}
		ui.inReply = true
		fmt.Print(ev.Text)
	case bus.EventThinking:
		// Reasoning deltas stay out of the transcript.
	case bus.EventToolStart:
		ui.breakLine()
		fmt.Println(statusLine(fmt.Sprintf("⏺ %s %s", ev.Tool.Name, ev.Tool.Input)))
	case bus.EventToolEnd:
		mark := "✓"
		if ev.Tool.IsError {
			mark = "✗"
		}
		fmt.Println(statusLine(fmt.Sprintf("  %s %s (%dms) %s", mark, ev.Tool.Name, ev.Tool.DurationMs, firstLine(ev.Tool.Result))))
	case bus.EventQuestion:
		ui.breakLine()
		ui.answer(ev.Question)
	case bus.EventCompact:
		ui.breakLine()
		fmt.Printf("(compacted context: %d → %d messages, ~%d tokens reclaimed)\n",
			ev.Compact.BeforeCount, ev.Compact.AfterCount, ev.Compact.TokensSaved)
	case bus.EventSubagentStart:
		ui.breakLine()
		fmt.Println(statusLine(fmt.Sprintf("⏺ agent[%s] %s", ev.Subagent.ID, ev.Subagent.Label)))
	case bus.EventSubagentToolStart:
		fmt.Println(statusLine(fmt.Sprintf("  agent[%s] ⏺ %s", ev.AgentID, ev.Subagent.Tool)))
	case bus.EventSubagentDone:
		fmt.Println(statusLine(fmt.Sprintf("  agent[%s] done (%d tokens)", ev.Subagent.ID, ev.Subagent.Tokens)))
	case bus.EventTeamTask:
		fmt.Println(statusLine(fmt.Sprintf("  team %s: %s %s", ev.Team.Teammate, ev.Team.TaskStatus, ev.Team.Task)))
	case bus.EventTeamDone:
		fmt.Println(statusLine(fmt.Sprintf("  team done: %d/%d tasks", ev.Team.TasksCompleted, ev.Team.TasksTotal)))
	case bus.EventDone:
		ui.breakLine()
		fmt.Printf("(%d turns · %d in / %d out tokens · $%.4f)\n",
			ev.Done.Turns, ev.Done.InputTokens, ev.Done.OutputTokens, ev.Done.CostUSD)
	case bus.EventError:
		ui.breakLine()
		fmt.Printf("✗ %s: %s\n", ev.Err.Kind, ev.Err.Message)
	}
}

// answer resolves an ask_user question through the broker.
func (ui *chatUI) answer(q *bus.QuestionEvent) {
	var reply string
	var err error
	if len(q.Options) > 0 {
		opts := make([]huh.Option[string], len(q.Options))
		for i, o := range q.Options {
			opts[i] = huh.NewOption(o, o)
		}
		err = huh.NewSelect[string]().Title(q.Prompt).Options(opts...).Value(&reply).Run()
	} else {
		err = huh.NewInput().Title(q.Prompt).Value(&reply).Run()
	}
	if err != nil {
		reply = ""
	}
	ui.engine.broker.Answer(q.ID, reply)
}

func (ui *chatUI) command(line string, session *store.Session) (done bool, newSession *store.Session, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true, nil, nil
	case "/help":
		fmt.Println("/new            start a fresh conversation")
		fmt.Println("/sessions       list stored conversations")
		fmt.Println("/resume <id>    switch to a stored conversation")
		fmt.Println("/compact        summarize older history now")
		fmt.Println("/cost           show this conversation's usage")
		fmt.Println("/mode <m>       set permission mode (default|plan|yolo)")
		fmt.Println("/exit           quit")
		return false, nil, nil
	case "/compact":
		loop := ui.engine.newLoop(session, ui.engine.permissionMode, ui.confirm)
		if err := loop.Compact(context.Background()); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	case "/new":
		return false, store.NewSession(), nil
	case "/sessions":
		infos, err := ui.engine.sessions.List()
		if err != nil {
			return false, nil, err
		}
		for _, info := range infos {
			fmt.Printf("%s  %-40s %3d msgs  %s\n", info.ID[:8], runewidth.Truncate(info.Title, 40, "…"),
				info.Messages, info.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return false, nil, nil
	case "/resume":
		if len(fields) < 2 {
			return false, nil, errors.New("usage: /resume <id>")
		}
		s, err := ui.engine.sessions.Load(fields[1])
		if err != nil {
			return false, nil, err
		}
		fmt.Printf("resumed %q (%d messages)\n", s.Title, len(s.Messages))
		return false, s, nil
	case "/cost":
		fmt.Printf("%d turns · %d in / %d out tokens · $%.4f · %d compactions\n",
			session.TurnCount, session.TotalInputTokens, session.TotalOutputTokens,
			session.CostUSD, session.CompactionCount)
		return false, nil, nil
	case "/mode":
		if len(fields) < 2 {
			return false, nil, fmt.Errorf("current mode: %s", ui.engine.permissionMode)
		}
		switch fields[1] {
		case config.PermissionDefault, config.PermissionPlan, config.PermissionYolo:
			ui.engine.permissionMode = fields[1]
			fmt.Println("mode:", fields[1])
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("unknown mode %q", fields[1])
	}
	return false, nil, fmt.Errorf("unknown command %s", fields[0])
}

// breakLine ends a streamed reply before printing a status line.
func (ui *chatUI) breakLine() {
	if ui.inReply {
		fmt.Println()
		ui.inReply = false
	}
}

func statusLine(s string) string {
	return runewidth.Truncate(strings.ReplaceAll(s, "\n", " "), statusWidth, "…")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
