package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

func stdinTerminal() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// readSecret prompts on errOut and reads without echo from a terminal, or
// reads one line from in when stdin is not a terminal (pipes, tests).
func (c *cli) readSecret(in io.Reader, errOut io.Writer, prompt string) (string, error) {
	fmt.Fprint(errOut, prompt)
	if c.stdinIsTerminal() {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(errOut)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return string(b), nil
	}
	return c.readLine(in)
}

func (c *cli) readPlain(in io.Reader, errOut io.Writer, prompt string) (string, error) {
	fmt.Fprint(errOut, prompt)
	return c.readLine(in)
}

// readLine reads one line, keeping one buffered reader per input so
// consecutive prompts on a pipe do not lose data.
func (c *cli) readLine(in io.Reader) (string, error) {
	if c.lines == nil || c.linesFrom != in {
		c.lines, c.linesFrom = bufio.NewReader(in), in
	}
	line, err := c.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", usageError("no input available")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecretFile reads a secret from path, stripping trailing newlines.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	s := strings.TrimRight(string(data), "\r\n")
	if s == "" {
		return "", usageError("%s is empty", path)
	}
	return s, nil
}
