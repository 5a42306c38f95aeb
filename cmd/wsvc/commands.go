package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/repo"
	"github.com/ret2shell/wsvc/internal/snapshot"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

func defaultWorkspace() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func defaultAuthor() string {
	if a := os.Getenv("WSVC_AUTHOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	bare := fs.Bool("bare", false, "create a bare repository (no workspace)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, err := repo.Create(defaultWorkspace(), *bare)
	return err
}

func cmdNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	bare := fs.Bool("bare", false, "create a bare repository")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return wsvcerr.New(wsvcerr.BadUsage, "new requires exactly one <name> argument")
	}
	_, err := repo.Create(fs.Arg(0), *bare)
	return err
}

func cmdCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ContinueOnError)
	message := fs.String("m", "", "commit message")
	author := fs.String("a", defaultAuthor(), "commit author")
	workspace := fs.String("w", defaultWorkspace(), "workspace directory")
	root := fs.String("r", "", "explicit bare repository root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *message == "" {
		return wsvcerr.New(wsvcerr.BadUsage, "commit requires -m <message>")
	}

	r, err := openRepoFor(*root, *workspace)
	if err != nil {
		return err
	}

	var record object.Record
	err = r.WithSession(func() error {
		record, err = snapshot.Commit(r, *workspace, *author, *message, time.Now().Unix())
		return err
	})
	if err != nil {
		if e, ok := err.(*wsvcerr.Error); ok && e.Kind == wsvcerr.NoChange {
			return fmt.Errorf("no changes to commit (workspace matches %s): %w", e.Existing.Short(), err)
		}
		return err
	}

	fmt.Printf("committed %s\n", record.Hash.Short())
	return nil
}

func cmdCheckout(args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	workspace := fs.String("w", defaultWorkspace(), "workspace directory")
	root := fs.String("r", "", "explicit bare repository root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workspace == *root {
		return wsvcerr.New(wsvcerr.BadUsage, "workspace must not equal the repository root")
	}

	r, err := openRepoFor(*root, *workspace)
	if err != nil {
		return err
	}

	var target object.Record
	err = r.WithSession(func() error {
		if fs.NArg() == 0 {
			rec, ok, latestErr := r.Latest()
			if latestErr != nil {
				return latestErr
			}
			if !ok {
				return wsvcerr.New(wsvcerr.EmptyRepo, "repository has no records to check out")
			}
			target = rec
		} else {
			rec, resolveErr := r.ResolvePrefix(fs.Arg(0))
			if resolveErr != nil {
				printAmbiguousMatches(resolveErr)
				return resolveErr
			}
			target = rec
		}
		_, err := snapshot.Checkout(r, target.Hash, *workspace)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("checked out %s\n", target.Hash.Short())
	return nil
}

func printAmbiguousMatches(err error) {
	e, ok := err.(*wsvcerr.Error)
	if !ok || e.Matches == nil {
		return
	}
	matches, ok := e.Matches.([]object.Record)
	if !ok {
		return
	}
	for _, m := range matches {
		fmt.Fprintf(os.Stderr, "  %s  %s  %s  %s\n", m.Hash, m.Author, time.Unix(m.Date, 0).UTC().Format(time.RFC3339), m.Message)
	}
}

func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	skip := fs.Int("skip", 0, "number of records to skip")
	limit := fs.Int("limit", 0, "maximum number of records to print (0 = no limit)")
	root := fs.String("r", "", "explicit bare repository root")
	workspace := fs.String("w", defaultWorkspace(), "workspace directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := openRepoFor(*root, *workspace)
	if err != nil {
		return err
	}

	var records []object.Record
	err = r.WithSession(func() error {
		records, err = r.SortedRecords()
		return err
	})
	if err != nil {
		return err
	}

	if *skip > len(records) {
		records = nil
	} else {
		records = records[*skip:]
	}
	if *limit > 0 && *limit < len(records) {
		records = records[:*limit]
	}
	for _, rec := range records {
		fmt.Printf("%s  %s  %s  %s\n", rec.Hash, rec.Author, time.Unix(rec.Date, 0).UTC().Format(time.RFC3339), rec.Message)
	}
	return nil
}

// openRepoFor opens a bare repository at root if given, otherwise probes
// workspace for a non-bare or bare layout.
func openRepoFor(root, workspace string) (*repo.Repo, error) {
	if root != "" {
		return repo.Open(root, true)
	}
	return repo.Probe(workspace)
}
