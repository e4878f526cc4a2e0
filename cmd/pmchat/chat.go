package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"pmchat/internal/chatsync"
	"pmchat/internal/domain"
	"pmchat/internal/multimodal"
)

type replConfig struct {
	Engine *chatsync.Engine
	Key    domain.ConversationKey
	In     io.Reader
	Out    io.Writer
}

// repl is the interactive terminal conversation.
type repl struct {
	engine  *chatsync.Engine
	key     domain.ConversationKey
	in      io.Reader
	out     io.Writer
	pending []multimodal.File
}

func newREPL(cfg replConfig) *repl {
	return &repl{engine: cfg.Engine, key: cfg.Key, in: cfg.In, out: cfg.Out}
}

// Run loads the conversation, then reads lines until EOF, /quit or ctx ends.
func (r *repl) Run(ctx context.Context) error {
	r.reload(ctx)

	_, _ = fmt.Fprintf(r.out, "Conversation %s. Type a message and press Enter. /help lists commands.\n", r.key)
	_, _ = fmt.Fprint(r.out, "You> ")

	scanner := bufio.NewScanner(r.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit" || line == "/q":
			logger.Info("user requested quit")
			return nil
		case strings.HasPrefix(line, "/"):
			r.command(ctx, line)
		default:
			r.turn(ctx, line)
		}
		_, _ = fmt.Fprint(r.out, "You> ")
	}
}

func (r *repl) command(ctx context.Context, line string) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/help":
		_, _ = fmt.Fprintln(r.out, "/attach <path>  attach a file to the next message")
		_, _ = fmt.Fprintln(r.out, "/files          list pending attachments")
		_, _ = fmt.Fprintln(r.out, "/drop           discard pending attachments")
		_, _ = fmt.Fprintln(r.out, "/history        show the cached conversation")
		_, _ = fmt.Fprintln(r.out, "/reload         reload the conversation from the store")
		_, _ = fmt.Fprintln(r.out, "/quit           leave")
	case "/attach":
		if arg == "" {
			_, _ = fmt.Fprintln(r.out, "usage: /attach <path>")
			return
		}
		if _, err := os.Stat(arg); err != nil {
			_, _ = fmt.Fprintf(r.out, "cannot attach: %v\n", err)
			return
		}
		r.pending = append(r.pending, multimodal.PathFile(arg, ""))
		_, _ = fmt.Fprintf(r.out, "attached %s (%d pending)\n", arg, len(r.pending))
	case "/files":
		if len(r.pending) == 0 {
			_, _ = fmt.Fprintln(r.out, "no pending attachments")
		}
		for _, f := range r.pending {
			_, _ = fmt.Fprintf(r.out, "  %s\n", f.Name())
		}
	case "/drop":
		r.pending = nil
	case "/history":
		printMessages(r.out, r.engine.Conversation(r.key).Messages)
	case "/reload":
		r.reload(ctx)
	default:
		_, _ = fmt.Fprintf(r.out, "unknown command %s, try /help\n", name)
	}
}

func (r *repl) reload(ctx context.Context) {
	msgs, err := r.engine.Load(ctx, r.key)
	if err != nil {
		_, _ = fmt.Fprintf(r.out, "could not load history: %v\n", err)
		return
	}
	if title := r.engine.Conversation(r.key).Title; title != "" {
		_, _ = fmt.Fprintf(r.out, "# %s\n", title)
	}
	printMessages(r.out, msgs)
}

func (r *repl) turn(ctx context.Context, text string) {
	files := r.pending
	r.pending = nil

	_, _ = fmt.Fprint(r.out, "Agent> ")
	_, ok, err := sendTurn(ctx, r.engine, chatsync.SendRequest{Key: r.key, Text: text, Files: files}, r.out)
	switch {
	case err != nil:
		_, _ = fmt.Fprintf(r.out, "\nerror: %v\n", err)
	case !ok:
		_, _ = fmt.Fprintln(r.out, "\n(canceled)")
	}
}

func printMessages(w io.Writer, msgs []domain.Message) {
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%s> %s\n", m.Role, m.Text())
		for _, p := range m.Parts {
			if p.Kind == domain.PartFile {
				_, _ = fmt.Fprintf(w, "  [file] %s (%s, %d bytes)\n", p.Filename, p.MediaType, len(p.Data))
			}
		}
	}
}
