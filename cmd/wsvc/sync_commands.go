package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/repo"
	"github.com/ret2shell/wsvc/internal/snapshot"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
	"github.com/ret2shell/wsvc/internal/wsvcsync"
)

// cmdClone implements `wsvc clone <url> [<dir>]`: create the local
// repository, set ORIGIN, run sync as Initiator, then check out the
// newly-synced latest record.
func cmdClone(args []string) error {
	fs := flag.NewFlagSet("clone", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return wsvcerr.New(wsvcerr.BadUsage, "clone requires a <url> and optional <dir>")
	}
	url := fs.Arg(0)
	dir := dirFromURL(url)
	if fs.NArg() == 2 {
		dir = fs.Arg(1)
	}

	r, err := repo.Create(dir, false)
	if err != nil {
		return err
	}
	if err := r.SetOrigin(url); err != nil {
		return err
	}

	ctx := context.Background()
	ch, closeFn, err := dialChannel(ctx, url)
	if err != nil {
		return err
	}
	defer closeFn()

	var latest object.Record
	err = r.WithSession(func() error {
		if _, syncErr := wsvcsync.RunInitiator(ch, r.Store()); syncErr != nil {
			return syncErr
		}
		rec, ok, latestErr := r.Latest()
		if latestErr != nil {
			return latestErr
		}
		if !ok {
			return wsvcerr.New(wsvcerr.EmptyRepo, "clone: remote has no records")
		}
		latest = rec
		_, checkoutErr := snapshot.Checkout(r, latest.Hash, dir)
		return checkoutErr
	})
	if err != nil {
		return err
	}
	fmt.Printf("cloned %s into %s at %s\n", url, dir, latest.Hash.Short())
	return nil
}

func dirFromURL(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			name := url[i+1:]
			if name != "" {
				return name
			}
		}
	}
	return "clone"
}

// cmdSync implements `wsvc sync`: run the sync protocol as Initiator
// against the repository's recorded ORIGIN.
func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	root := fs.String("r", "", "explicit bare repository root")
	workspace := fs.String("w", defaultWorkspace(), "workspace directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := openRepoFor(*root, *workspace)
	if err != nil {
		return err
	}
	origin, err := r.Origin()
	if err != nil {
		return err
	}
	if origin == "" {
		return wsvcerr.New(wsvcerr.BadUsage, "sync: no ORIGIN configured for this repository")
	}

	ctx := context.Background()
	ch, closeFn, err := dialChannel(ctx, origin)
	if err != nil {
		return err
	}
	defer closeFn()

	var stats wsvcsync.Stats
	err = r.WithSession(func() error {
		stats, err = wsvcsync.RunInitiator(ch, r.Store())
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("sync complete: pulled %d records, %d trees, %d blobs; pushed %d records, %d trees, %d blobs\n",
		stats.RecordsPulled, stats.TreesPulled, stats.BlobsPulled,
		stats.RecordsPushed, stats.TreesPushed, stats.BlobsPushed)
	return nil
}

// cmdServe implements `wsvc serve <addr>`: a minimal WebSocket listener
// that runs the Responder side of the sync protocol for each incoming
// connection, so clone/sync are runnable end to end against this CLI
// itself.
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	root := fs.String("r", "", "explicit bare repository root")
	workspace := fs.String("w", defaultWorkspace(), "workspace directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return wsvcerr.New(wsvcerr.BadUsage, "serve requires exactly one <addr> argument")
	}
	addr := fs.Arg(0)

	r, err := openRepoFor(*root, *workspace)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			slog.Error("serve: upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		ch := &wsChannel{conn: conn}

		err = r.WithSession(func() error {
			_, syncErr := wsvcsync.RunResponder(ch, r.Store())
			return syncErr
		})
		if err != nil {
			slog.Error("serve: sync session failed", "remote", req.RemoteAddr, "error", err)
		}
	})

	slog.Info("serving", "addr", addr, "root", r.Root())
	return http.ListenAndServe(addr, mux)
}
