// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/session"
)

type askOptions struct {
	thinking  bool
	search    bool
	reasoning bool
	resume    string
	noSave    bool
}

func newAskCmd(flags *globalFlags) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send one message and stream the reply",
		Long: `Send one message and stream the decrypted reply to stdout.

The prompt is read from stdin when no arguments are given. Ctrl-C stops
the reply and keeps what has arrived.`,
		Example: `  veilchat ask "what's the weather in Lisbon?"
  echo "summarise this" | veilchat ask
  veilchat ask --resume conv_1234 "and tomorrow?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, flags, opts, args)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.thinking, "thinking", false, "ask the model to reason before answering")
	f.BoolVar(&opts.search, "search", false, "let the model search the web")
	f.BoolVar(&opts.reasoning, "reasoning", false, "stream the model's reasoning to stderr")
	f.StringVar(&opts.resume, "resume", "", "continue a saved conversation by local id")
	f.BoolVar(&opts.noSave, "no-save", false, "do not save the conversation")
	return cmd
}

func runAsk(cmd *cobra.Command, flags *globalFlags, opts *askOptions, args []string) error {
	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	a, err := newApp(flags)
	if err != nil {
		return err
	}
	defer a.close()

	conv, err := a.openConversation(opts.resume)
	if err != nil {
		return err
	}

	printer := newStreamPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.reasoning)
	printer.skipExisting(conv)

	hooks := session.Hooks{}
	if !flags.json {
		hooks.OnUpdate = printer.update
	}
	ctrl, err := a.newController(conv, !opts.noSave, hooks)
	if err != nil {
		return err
	}

	so := a.submitOptions()
	if cmd.Flags().Changed("thinking") {
		so.ThinkingMode = opts.thinking
	}
	if cmd.Flags().Changed("search") {
		so.WebSearch = opts.search
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	turn, err := ctrl.Submit(ctx, prompt, so)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
		case <-turn.Done():
		}
	}()

	res, err := turn.Wait(context.Background())
	if err != nil {
		return err
	}

	if flags.json {
		if err := writeAskJSON(cmd.OutOrStdout(), ctrl, res); err != nil {
			return err
		}
	} else {
		printer.update(ctrl.Snapshot())
		printer.finish()
	}

	if res.DecryptFailures > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), WarningStyle.Render(
			fmt.Sprintf("%d encrypted chunk(s) could not be decrypted", res.DecryptFailures)))
	}
	if !opts.noSave && !flags.json {
		ctrl.Conversation(func(c *model.Conversation) {
			fmt.Fprintln(cmd.ErrOrStderr(), DimStyle.Render("saved as "+c.LocalID))
		})
	}

	switch res.Outcome {
	case session.OutcomeCancelled:
		return errInterrupted
	case session.OutcomeErrored:
		if res.Err != nil {
			return res.Err
		}
		return errors.New("stream failed")
	}
	return nil
}

// readPrompt joins args, falling back to piped stdin.
func readPrompt(in io.Reader, args []string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && (in != os.Stdin || !IsTTY()) {
		data, err := io.ReadAll(io.LimitReader(in, 1<<20))
		if err != nil {
			return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return "", &UsageError{Reason: "no prompt given", Example: `veilchat ask "hello"`}
	}
	return prompt, nil
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes the growth of the newest assistant reply.
type streamPrinter struct {
	mu        sync.Mutex
	out       io.Writer
	errOut    io.Writer
	reasoning bool

	msgID   string
	content string
	thought string
	wrote   bool
}

func newStreamPrinter(out, errOut io.Writer, reasoning bool) *streamPrinter {
	return &streamPrinter{out: out, errOut: errOut, reasoning: reasoning}
}

// skipExisting marks the current last reply of conv as already printed.
func (p *streamPrinter) skipExisting(conv *model.Conversation) {
	branch := conv.Branch()
	if len(branch) == 0 {
		return
	}
	last := branch[len(branch)-1]
	p.msgID = last.ID
	p.content = last.Content
	p.thought = last.Reasoning
}

func (p *streamPrinter) update(snap session.Snapshot) {
	if len(snap.Messages) == 0 {
		return
	}
	msg := snap.Messages[len(snap.Messages)-1]
	if msg.Role != model.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.ID != p.msgID {
		p.msgID = msg.ID
		p.content = ""
		p.thought = ""
	}
	if p.reasoning {
		p.thought = writeSuffix(p.errOut, p.thought, msg.Reasoning)
	}
	before := p.content
	p.content = writeSuffix(p.out, p.content, msg.Content)
	if p.content != before {
		p.wrote = true
	}
}

// finish terminates the reply with a newline.
func (p *streamPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wrote && !strings.HasSuffix(p.content, "\n") {
		fmt.Fprintln(p.out)
	}
	if p.reasoning && p.thought != "" && !strings.HasSuffix(p.thought, "\n") {
		fmt.Fprintln(p.errOut)
	}
}

// writeSuffix writes the part of current not yet printed. Text that no
// longer extends what was printed is ignored.
func writeSuffix(w io.Writer, printed, current string) string {
	if len(current) <= len(printed) || !strings.HasPrefix(current, printed) {
		return printed
	}
	_, _ = io.WriteString(w, current[len(printed):])
	return current
}

// =============================================================================
// JSON OUTPUT
// =============================================================================

type askResult struct {
	ConversationID  string         `json:"conversation_id,omitempty"`
	LocalID         string         `json:"local_id"`
	Title           string         `json:"title,omitempty"`
	Outcome         string         `json:"outcome"`
	RequestID       string         `json:"request_id,omitempty"`
	Content         string         `json:"content"`
	Reasoning       string         `json:"reasoning,omitempty"`
	Sources         []model.Source `json:"sources,omitempty"`
	Suggestions     []string       `json:"suggestions,omitempty"`
	Metrics         *model.Metrics `json:"metrics,omitempty"`
	DecryptFailures int            `json:"decrypt_failures,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func writeAskJSON(w io.Writer, ctrl *session.Controller, res session.TurnResult) error {
	snap := ctrl.Snapshot()
	out := askResult{
		ConversationID:  snap.ConversationID,
		Title:           snap.Title,
		Outcome:         string(res.Outcome),
		RequestID:       res.RequestID,
		DecryptFailures: res.DecryptFailures,
	}
	ctrl.Conversation(func(c *model.Conversation) {
		out.LocalID = c.LocalID
	})
	if n := len(snap.Messages); n > 0 {
		if msg := snap.Messages[n-1]; msg.Role == model.RoleAssistant {
			out.Content = msg.Content
			out.Reasoning = msg.Reasoning
			out.Sources = msg.Sources
			out.Suggestions = msg.Suggestions
			out.Metrics = msg.Metrics
		}
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
