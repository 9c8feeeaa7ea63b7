package checker

import (
	"context"

	"streamwatch/internal/concurrency"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/source"
	logx "streamwatch/pkg/logx"
)

// AuditChannels asks every service which stored channels still exist and
// publishes the missing ones as removed. It returns how many were reported.
func (c *Checker) AuditChannels(ctx context.Context) (int, error) {
	total := 0
	for _, src := range c.sources.All() {
		n, err := c.auditService(ctx, src)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Checker) auditService(ctx context.Context, src source.Source) (int, error) {
	service := src.ID()
	log := c.log.With(logx.String("service", service), logx.String("op", "audit"))
	q := c.quota(service)

	after := ""
	removed := 0
	for {
		ids, err := c.store.ChannelIDs(ctx, service, after, c.cfg.AuditBatch)
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			break
		}
		after = ids[len(ids)-1]

		rawIDs := make([]string, 0, len(ids))
		for _, id := range ids {
			_, raw, _ := source.Unwrap(id)
			rawIDs = append(rawIDs, raw)
		}
		exists, err := concurrency.QuotaCall(ctx, q, func(ctx context.Context) ([]string, error) {
			return src.GetExistsChannelIDs(ctx, rawIDs)
		})
		if err != nil {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			log.Warn("audit page skipped", logx.Int("channels", len(ids)), logx.Err(err))
			continue
		}

		alive := make(map[string]struct{}, len(exists))
		for _, raw := range exists {
			alive[raw] = struct{}{}
		}
		var gone []string
		for i, raw := range rawIDs {
			if _, ok := alive[raw]; !ok {
				gone = append(gone, ids[i])
			}
		}
		if len(gone) > 0 && c.bus != nil {
			c.bus.Publish(eventbus.Event{
				Type: eventbus.TypeChannelsRemoved,
				Data: eventbus.ChannelsRemoved{Service: service, ChannelIDs: gone},
			})
		}
		removed += len(gone)
	}
	if removed > 0 {
		log.Info("audit found removed channels", logx.Int("count", removed))
	}
	return removed, nil
}
