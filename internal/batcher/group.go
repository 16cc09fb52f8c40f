package batcher

import (
	"context"
	"errors"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// BySource adapts a per-source submit function into a FlushFunc. Items keep
// their relative order within each source and their discovery time.
func BySource(submit func(ctx context.Context, source string, idents []torrent.Identifier) error) FlushFunc {
	return func(ctx context.Context, batch []Item) error {
		var order []string
		groups := make(map[string][]torrent.Identifier)
		for _, item := range batch {
			if _, ok := groups[item.Source]; !ok {
				order = append(order, item.Source)
			}
			groups[item.Source] = append(groups[item.Source], torrent.Identifier{RawText: item.Raw, DiscoveredAt: item.DiscoveredAt})
		}
		var errs []error
		for _, source := range order {
			if err := submit(ctx, source, groups[source]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
