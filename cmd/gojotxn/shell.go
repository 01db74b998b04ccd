package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotxn/core/dataset"
	"github.com/sushant-115/gojotxn/core/transaction"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  BEGIN [READ|WRITE]          start a transaction (default WRITE)
  COMMIT | ABORT | END        finish the current transaction
  ADD <s> <p> <o>             add a triple
  DEL <s> <p> <o>             delete a triple
  FIND [<s> <p> <o>]          list matching triples, * matches anything
  CONTAINS <s> <p> <o>        test for a triple
  PREFIX <name> <iri>         set a prefix mapping
  PREFIX <name>               show a prefix mapping
  UNPREFIX <name>             delete a prefix mapping
  PREFIXES                    list prefix mappings
  STATS                       coordinator counters
  CHECKPOINT                  empty the journal (outside BEGIN)
  HELP | QUIT
Outside BEGIN/COMMIT every command runs in its own transaction.`

// request is one parsed shell line.
type request struct {
	command string
	args    []string
}

// parseRequest splits a line into a command and its arguments. Double quoted
// arguments keep their quotes and may contain spaces.
func parseRequest(line string) (request, error) {
	var (
		tokens  []string
		cur     strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
			pending = true
		case !quoted && (r == ' ' || r == '\t'):
			if pending {
				tokens = append(tokens, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if quoted {
		return request{}, errors.New("unterminated quote")
	}
	if pending {
		tokens = append(tokens, cur.String())
	}
	if len(tokens) == 0 {
		return request{}, nil
	}
	return request{command: strings.ToUpper(tokens[0]), args: tokens[1:]}, nil
}

// shell runs commands against a dataset. All commands run on the caller's
// goroutine, which owns the shell's transaction.
type shell struct {
	ds  *dataset.Dataset
	out io.Writer
	ctx context.Context
}

func newShell(ctx context.Context, ds *dataset.Dataset, out io.Writer) *shell {
	return &shell{ds: ds, out: out, ctx: ctx}
}

// exec runs one line. It returns errQuit when the user asks to leave.
func (s *shell) exec(line string) error {
	req, err := parseRequest(line)
	if err != nil || req.command == "" {
		return err
	}
	return s.handleRequest(req)
}

func (s *shell) handleRequest(req request) error {
	switch req.command {
	case "BEGIN":
		mode := transaction.ReadWrite
		if len(req.args) > 0 {
			switch strings.ToUpper(req.args[0]) {
			case "READ":
				mode = transaction.ReadOnly
			case "WRITE":
			default:
				return errors.Errorf("BEGIN takes READ or WRITE, got %q", req.args[0])
			}
		}
		if err := s.ds.Begin(s.ctx, mode); err != nil {
			return err
		}
		s.printf("OK %s\n", mode)
	case "COMMIT":
		if err := s.ds.Commit(s.ctx); err != nil {
			return err
		}
		s.printf("OK\n")
	case "ABORT":
		if err := s.ds.Abort(); err != nil {
			return err
		}
		s.printf("OK\n")
	case "END":
		return s.ds.End()
	case "ADD", "DEL":
		t, err := tripleArg(req, false)
		if err != nil {
			return err
		}
		return s.run(transaction.ReadWrite, func() error {
			if req.command == "ADD" {
				return s.ds.Add(t)
			}
			return s.ds.Delete(t)
		})
	case "CONTAINS":
		t, err := tripleArg(req, false)
		if err != nil {
			return err
		}
		return s.run(transaction.ReadOnly, func() error {
			ok, err := s.ds.Contains(t)
			if err != nil {
				return err
			}
			s.printf("%t\n", ok)
			return nil
		})
	case "FIND":
		pattern := dataset.Triple{}
		if len(req.args) > 0 {
			var err error
			if pattern, err = tripleArg(req, true); err != nil {
				return err
			}
		}
		return s.run(transaction.ReadOnly, func() error {
			triples, err := s.ds.Find(pattern)
			if err != nil {
				return err
			}
			for _, t := range triples {
				s.printf("%s .\n", t)
			}
			s.printf("(%d triples)\n", len(triples))
			return nil
		})
	case "PREFIX":
		switch len(req.args) {
		case 1:
			return s.run(transaction.ReadOnly, func() error {
				iri, ok, err := s.ds.Prefix(req.args[0])
				if err != nil {
					return err
				}
				if !ok {
					s.printf("(not set)\n")
					return nil
				}
				s.printf("%s: <%s>\n", req.args[0], iri)
				return nil
			})
		case 2:
			return s.run(transaction.ReadWrite, func() error {
				return s.ds.SetPrefix(req.args[0], req.args[1])
			})
		default:
			return errors.New("PREFIX takes <name> [<iri>]")
		}
	case "UNPREFIX":
		if len(req.args) != 1 {
			return errors.New("UNPREFIX takes <name>")
		}
		return s.run(transaction.ReadWrite, func() error {
			return s.ds.DeletePrefix(req.args[0])
		})
	case "PREFIXES":
		return s.run(transaction.ReadOnly, func() error {
			names, err := s.ds.PrefixNames()
			if err != nil {
				return err
			}
			all, err := s.ds.Prefixes()
			if err != nil {
				return err
			}
			for _, name := range names {
				s.printf("%s: <%s>\n", name, all[name])
			}
			return nil
		})
	case "STATS":
		st := s.ds.Stats()
		s.printf("begun=%d read=%d write=%d finished=%d active_readers=%d active_writers=%d data_version=%d journal_bytes=%d next_sequence=%d\n",
			st.Begun, st.BegunRead, st.BegunWrite, st.Finished, st.ActiveReaders, st.ActiveWriters,
			st.DataVersion, st.JournalBytes, st.NextSequence)
	case "CHECKPOINT":
		if err := s.ds.Checkpoint(s.ctx); err != nil {
			return err
		}
		s.printf("OK\n")
	case "HELP":
		s.printf("%s\n", helpText)
	case "QUIT", "EXIT":
		return errQuit
	default:
		return errors.Errorf("unknown command %q, type HELP", req.command)
	}
	return nil
}

// run calls fn in the current transaction, or in a transaction of its own
// when none is open.
func (s *shell) run(mode transaction.Mode, fn func() error) error {
	if s.ds.IsInTransaction() {
		return fn()
	}
	return s.ds.Execute(s.ctx, mode, func(*transaction.Transaction) error { return fn() })
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func tripleArg(req request, wildcards bool) (dataset.Triple, error) {
	if len(req.args) != 3 {
		return dataset.Triple{}, errors.Errorf("%s takes <s> <p> <o>", req.command)
	}
	nodes := make([]string, 3)
	for i, a := range req.args {
		if a == "*" {
			if !wildcards {
				return dataset.Triple{}, errors.Errorf("%s does not accept *", req.command)
			}
			a = ""
		}
		nodes[i] = a
	}
	return dataset.Triple{S: nodes[0], P: nodes[1], O: nodes[2]}, nil
}
