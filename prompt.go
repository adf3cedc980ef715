package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

var errNoTerminal = errors.New("standard input is not a terminal")

// terminalPrompter asks for two-factor codes on the controlling terminal.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer
}

// codePrompter returns a prompter when stdin is a terminal, nil otherwise so
// that sign-ins needing a code fail with icloud.ErrMFARequired.
func codePrompter() icloud.CodePrompter {
	if !stdinIsTerminal() {
		return nil
	}

	return &terminalPrompter{in: os.Stdin, out: os.Stderr}
}

// PromptCode reads a verification code, re-asking until it is six digits.
func (p *terminalPrompter) PromptCode(ctx context.Context) (string, error) {
	r := bufio.NewReader(p.in)

	for {
		code, err := promptLine(ctx, r, p.out, "Enter the code shown on your trusted device: ")
		if err != nil {
			return "", err
		}

		if isSecurityCode(code) {
			return code, nil
		}

		fmt.Fprintln(p.out, "The code must be six digits.")
	}
}

func isSecurityCode(s string) bool {
	if len(s) != 6 {
		return false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// promptLine writes prompt and reads one trimmed line. Cancellation of ctx
// abandons the read.
func promptLine(ctx context.Context, r *bufio.Reader, w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)

	type result struct {
		line string
		err  error
	}

	ch := make(chan result, 1)

	go func() {
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			ch <- result{err: err}
			return
		}

		ch <- result{line: strings.TrimSpace(line)}
	}()

	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// promptPassword reads the Apple ID password without echo.
func promptPassword(username string) (string, error) {
	if !stdinIsTerminal() {
		return "", errNoTerminal
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", username)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(pw), nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
