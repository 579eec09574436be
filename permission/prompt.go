package permission

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const defaultQuestion = "Allow screenrecorder to save recordings to your Videos library? [y/N] "

// TerminalPrompter asks a y/N question on a terminal.
type TerminalPrompter struct {
	In       io.Reader
	Out      io.Writer
	Question string
}

func (p *TerminalPrompter) Prompt(ctx context.Context) (bool, error) {
	if p.In == nil || p.Out == nil {
		return false, ErrNoPrompter
	}
	q := p.Question
	if q == "" {
		q = defaultQuestion
	}
	if _, err := fmt.Fprint(p.Out, q); err != nil {
		return false, err
	}

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errc:
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// StaticPrompter answers every prompt the same way.
type StaticPrompter struct {
	Grant bool
	Err   error

	Calls int
}

func (p *StaticPrompter) Prompt(context.Context) (bool, error) {
	p.Calls++
	return p.Grant, p.Err
}
