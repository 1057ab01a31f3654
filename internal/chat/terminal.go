package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"lakehouse-rag/internal/domain"
)

// Setting is one line of the configuration panel printed at startup.
type Setting struct {
	Label string
	Value string
}

// Terminal renders a Session on a line-oriented console.
type Terminal struct {
	out       io.Writer
	title     *color.Color
	user      *color.Color
	assistant *color.Color
	failure   *color.Color
	muted     *color.Color
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:       out,
		title:     color.New(color.FgHiYellow, color.Bold),
		user:      color.New(color.FgHiBlue, color.Bold),
		assistant: color.New(color.FgHiGreen, color.Bold),
		failure:   color.New(color.FgHiRed),
		muted:     color.New(color.Faint),
	}
}

// Header prints the title and the configuration panel.
func (t *Terminal) Header(title, panel string, settings []Setting) {
	_, _ = t.title.Fprintln(t.out, title)
	if panel != "" {
		_, _ = t.muted.Fprintln(t.out, panel)
	}
	for _, s := range settings {
		_, _ = t.muted.Fprintf(t.out, "  %s: ", s.Label)
		fmt.Fprintln(t.out, s.Value)
	}
	_, _ = t.muted.Fprintln(t.out, strings.Repeat("-", 40))
}

func (t *Terminal) Message(msg domain.ChatMessage) {
	switch msg.Role {
	case domain.RoleUser:
		_, _ = t.user.Fprint(t.out, "você> ")
	default:
		_, _ = t.assistant.Fprint(t.out, "assistente> ")
	}
	fmt.Fprintln(t.out, msg.Content)
}

func (t *Terminal) Failure(block string) {
	_, _ = t.assistant.Fprint(t.out, "assistente> ")
	_, _ = t.failure.Fprintln(t.out, block)
}

// Run reads questions from in until EOF, "/sair" or ctx is done. "/historico"
// reprints the conversation. A cancelled ctx ends the loop with ctx.Err(),
// also while waiting for input.
func (t *Terminal) Run(ctx context.Context, in io.Reader, s *Session, placeholder string) error {
	for _, msg := range s.History() {
		t.Message(msg)
	}

	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(in, done)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _ = t.muted.Fprintf(t.out, "%s\n> ", placeholder)

		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("chat: read input: %w", err)
				}
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/sair", "/exit":
			return nil
		case "/historico":
			for _, msg := range s.History() {
				t.Message(msg)
			}
			continue
		}

		reply, err := s.Send(ctx, line)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			t.Failure(reply)
			continue
		}
		t.Message(domain.ChatMessage{Role: domain.RoleAssistant, Content: reply})
	}
}

// readLines scans in on its own goroutine so a blocked read does not hold up
// cancellation. The error channel yields once after lines is closed. Closing
// done stops delivery.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}
