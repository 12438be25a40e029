package training

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-mil/dist"
)

// RunLocal runs fn once per rank of an in-process group of size world. The
// first failing rank closes the group so its peers stop waiting in
// collectives.
func RunLocal(ctx context.Context, world int, fn func(ctx context.Context, group dist.Group) error) error {
	groups, err := dist.NewLocalGroup(world)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			if err := fn(ctx, group); err != nil {
				group.Close()
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	groups[0].Close()
	return err
}
