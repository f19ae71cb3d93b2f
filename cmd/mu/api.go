package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fortybyte/mudaeUtils/internal/client"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// apiFlags locate and authenticate against a running dashboard.
type apiFlags struct {
	server  string
	session string
	login   bool
}

func (f *apiFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&f.server, "server", envOr("MU_SERVER", "http://127.0.0.1:3001"), "dashboard base URL (env MU_SERVER)")
	fs.StringVar(&f.session, "session", "", "dashboard session token (env MU_SESSION)")
	fs.BoolVar(&f.login, "login", false, "log in with the dashboard password first (env MU_PASSWORD or prompt)")
}

// connect returns a client, logging in first when asked to.
func (f *apiFlags) connect(ctx context.Context, p *prompter) (*client.Client, error) {
	c := client.New(f.server, f.session)
	if c.Token == "" {
		c.Token = os.Getenv("MU_SESSION")
	}
	if !f.login {
		return c, nil
	}
	pw := os.Getenv("MU_PASSWORD")
	if pw == "" {
		var err error
		if pw, err = p.secret("Dashboard password: "); err != nil {
			return nil, err
		}
	}
	if _, err := c.Login(ctx, pw); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c, nil
}

// prompter reads secrets from the terminal without echo, or one line at a
// time when input is not a terminal. Lines are read unbuffered so several
// prompters can share the same input.
type prompter struct {
	in  io.Reader
	out io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
}

func (p *prompter) secret(prompt string) (string, error) {
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(p.out, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := p.in.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}
