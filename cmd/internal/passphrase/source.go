// Package passphrase resolves keystore passphrases for the rentflow binaries.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a passphrase once, from an environment variable or by
// prompting on the terminal, and caches it.
type Source struct {
	envVar string
	label  string
	stderr io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting for the passphrase of label, for
// example "operator keystore".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, stderr: os.Stderr}
}

// Get returns the cached passphrase or resolves it on the first call.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve(false)
	})
	return s.value, s.err
}

// GetConfirmed behaves like Get but asks twice when prompting. It is used when
// a new keystore is written.
func (s *Source) GetConfirmed() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve(true)
	})
	return s.value, s.err
}

func (s *Source) resolve(confirm bool) (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s passphrase required and no terminal available", s.label)
	}
	first, err := s.prompt(fd, "Enter "+s.label+" passphrase: ")
	if err != nil {
		return "", err
	}
	if confirm {
		second, err := s.prompt(fd, "Repeat "+s.label+" passphrase: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", errors.New("passphrases do not match")
		}
	}
	return first, nil
}

func (s *Source) prompt(fd int, text string) (string, error) {
	fmt.Fprint(s.stderr, text)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(s.stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	value := string(raw)
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	return value, nil
}
