package passphrase

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// EnvVar is the variable consulted before prompting for the wallet passphrase.
const EnvVar = "SMARTWALLET_PASSPHRASE"

// ErrEmpty is returned when the resolved passphrase is blank.
var ErrEmpty = errors.New("wallet passphrase cannot be empty")

// Source lazily resolves the wallet passphrase from an environment variable,
// a reader, or by prompting the operator. The value is cached after the
// first successful retrieval.
type Source struct {
	envVar string
	prompt string
	input  io.Reader
	lookup func(string) (string, bool)

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithPrompt replaces the terminal prompt text.
func WithPrompt(prompt string) Option {
	return func(s *Source) {
		s.prompt = prompt
	}
}

// WithReader reads the passphrase from the first line of r instead of the
// terminal. Used for --passphrase-stdin style flags.
func WithReader(r io.Reader) Option {
	return func(s *Source) {
		s.input = r
	}
}

// WithLookup overrides how environment variables are read.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(s *Source) {
		if lookup != nil {
			s.lookup = lookup
		}
	}
}

// NewSource constructs a passphrase source that checks envVar before reading
// input or prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: "Enter wallet passphrase: ",
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached passphrase or resolves it on first use. An
// environment value is used exactly as set; whitespace-only passphrases are
// rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if s.input != nil {
		line, err := bufio.NewReader(s.input).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			return "", ErrEmpty
		}
		return line, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("wallet passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("wallet passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, s.prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", ErrEmpty
	}
	return string(raw), nil
}
