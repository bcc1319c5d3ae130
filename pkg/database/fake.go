package database

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/capstanhq/capstan/pkg/types"
)

// FakeEngine is an in-memory Engine for tests. Dump writes a marker file of
// configurable content; Restore records what it replayed.
type FakeEngine struct {
	mu sync.Mutex

	// DumpContent is written by Dump (default: a plausible SQL preamble)
	DumpContent []byte

	Dumps    []string
	Restores []string

	FailDump    error
	FailRestore error
	FailPing    error
}

func (f *FakeEngine) Ping(ctx context.Context, spec *types.DatabaseSpec) error {
	return f.FailPing
}

func (f *FakeEngine) Dump(ctx context.Context, spec *types.DatabaseSpec, path string) error {
	if f.FailDump != nil {
		return f.FailDump
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	content := f.DumpContent
	if content == nil {
		content = []byte(fmt.Sprintf("-- PostgreSQL database dump\n-- Dumped from database %q\nSET statement_timeout = 0;\nSET client_encoding = 'UTF8';\n", spec.Name))
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return err
	}
	f.Dumps = append(f.Dumps, path)
	return nil
}

func (f *FakeEngine) Restore(ctx context.Context, spec *types.DatabaseSpec, path string) error {
	if f.FailRestore != nil {
		return f.FailRestore
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("dump not found: %w", err)
	}
	f.Restores = append(f.Restores, path)
	return nil
}

var _ Engine = (*FakeEngine)(nil)
