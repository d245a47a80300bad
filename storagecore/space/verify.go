package space

import (
	"context"

	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/datastore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VerifyAll probes every configured space concurrently and persists the
// outcome. An unreachable space is logged and marked unverified, not fatal;
// the service starts and transfers against it fail with backend errors.
func VerifyAll(ctx context.Context) error {
	var spaces []*Space
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		spaces, err = ListSpaces(ctx, "")
		return err
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range spaces {
		s := s
		g.Go(func() error {
			if err := s.Verify(gctx); err != nil {
				logging.Logger.Warn("space verification failed",
					zap.String("space", s.UUID),
					zap.String("protocol", s.AccessProtocol),
					zap.Error(err))
			}
			return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
				return s.Save(ctx)
			})
		})
	}
	return g.Wait()
}
