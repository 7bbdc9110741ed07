package task

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/drcloud/drcloud/pkg/drerr"
)

func wantArgs(word string, args []string, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return drerr.Validationf("%s: unexpected argument count %d", word, len(args))
	}
	return nil
}

// //env KEY VALUE
func builtinEnv(_ context.Context, s *Session, word string, args []string, _ Options) error {
	if err := wantArgs(word, args, 2, 2); err != nil {
		return err
	}
	s.Setenv(args[0], args[1])
	return nil
}

// //cd DIR
func builtinCd(_ context.Context, s *Session, word string, args []string, _ Options) error {
	if err := wantArgs(word, args, 1, 1); err != nil {
		return err
	}
	return s.Chdir(args[0])
}

// //cd+ DIR, expanding ~ and $VAR first.
func builtinCdExpand(_ context.Context, s *Session, word string, args []string, _ Options) error {
	if err := wantArgs(word, args, 1, 1); err != nil {
		return err
	}
	dir := s.Expand(args[0])
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home := s.Getenv("HOME")
		if home == "" {
			h, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to expand ~: %w", err)
			}
			home = h
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return s.Chdir(dir)
}

// //x HEX [ARGS...] runs a hex-encoded program.
func builtinHex(ctx context.Context, s *Session, word string, args []string, _ Options) error {
	if err := wantArgs(word, args, 1, -1); err != nil {
		return err
	}
	code, err := hex.DecodeString(strings.Join(strings.Fields(args[0]), ""))
	if err != nil {
		return drerr.Validation(word+": invalid hex program", err)
	}
	return runTemp(ctx, s, func(f *os.File) error {
		_, err := f.Write(code)
		return err
	}, args[1:])
}

// runTemp materializes a program with fill, runs it with args and removes it.
func runTemp(ctx context.Context, s *Session, fill func(*os.File) error, args []string) error {
	f, err := os.CreateTemp("", "*.drcloud")
	if err != nil {
		return fmt.Errorf("failed to create program file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := fill(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write program file: %w", err)
	}
	if err := f.Chmod(0o750); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to chmod program file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close program file: %w", err)
	}

	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = s.Expand(a)
	}
	return s.Exec(ctx, path, expanded...)
}
