package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// secretPrompter reads secrets without echo from a terminal, or one line at a
// time from piped input.
type secretPrompter struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

func newSecretPrompter(in io.Reader, out io.Writer) *secretPrompter {
	return &secretPrompter{in: in, out: out}
}

func (p *secretPrompter) Read(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(secret), nil
	}

	if p.reader == nil {
		p.reader = bufio.NewReader(p.in)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprintln(p.out)
	return strings.TrimRight(line, "\r\n"), nil
}
