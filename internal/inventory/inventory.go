// Package inventory lists what is installed under the proc, build and image roots of a host.
package inventory

import (
	"context"
	"sort"
	"strings"

	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
)

// holdSuffix marks placeholder entries that reserve a proc name; they are not procs.
const holdSuffix = ".hold"

type Inventory struct {
	ch     remote.Channel
	layout proc.Layout
}

func New(ch remote.Channel, layout proc.Layout) *Inventory {
	return &Inventory{ch: ch, layout: layout}
}

func (i *Inventory) Layout() proc.Layout { return i.layout }

// Procs returns the names of all procs installed on the host.
func (i *Inventory) Procs(ctx context.Context) ([]string, error) {
	names, err := i.list(ctx, i.layout.ProcsRoot)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if !strings.HasSuffix(n, holdSuffix) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Builds returns the names of all build directories on the host.
func (i *Inventory) Builds(ctx context.Context) ([]string, error) {
	return i.list(ctx, i.layout.BuildsRoot)
}

// Images returns the names of all image directories on the host.
func (i *Inventory) Images(ctx context.Context) ([]string, error) {
	return i.list(ctx, i.layout.ImagesRoot)
}

// InstalledProcNames is Procs as a set.
func (i *Inventory) InstalledProcNames(ctx context.Context) (map[string]struct{}, error) {
	procs, err := i.Procs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(procs))
	for _, p := range procs {
		set[p] = struct{}{}
	}
	return set, nil
}

// list returns the sorted entries of root; a missing root is empty.
func (i *Inventory) list(ctx context.Context, root string) ([]string, error) {
	if !i.ch.Exists(ctx, root) {
		return []string{}, nil
	}
	out, err := i.ch.Run(ctx, "ls -1 -- "+remote.ShellQuote(root))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, line := range strings.Split(out, "\n") {
		if n := strings.TrimRight(line, "\r"); n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}
