package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/store"
	intsync "github.com/saikiran76/dailyfix-core/internal/sync"
	"github.com/saikiran76/dailyfix-core/internal/timeline"
)

// warmTimelineLimit caps how many conversations the initial sync preloads.
const warmTimelineLimit = 8

// provideSyncRunner builds the default sync operation: refresh the contact
// cache, then warm the timelines of the most relevant conversations.
// Remote-driven syncs report progress through the realtime stream instead.
func provideSyncRunner(client *bridge.Client, tm *timeline.Manager, db *store.DB, logger *zap.Logger) intsync.Runner {
	log := logger.Named("sync-runner")
	return intsync.RunnerFunc(func(ctx context.Context, report func(intsync.Update)) error {
		report(intsync.Update{Progress: 5, Details: "fetching contacts"})
		contacts, err := client.Contacts(ctx)
		if err != nil {
			return fmt.Errorf("fetch contacts: %w", err)
		}

		cached := make([]store.Contact, 0, len(contacts))
		for _, c := range contacts {
			cached = append(cached, store.Contact{ID: c.ID, Name: c.Name, AvatarURL: c.AvatarURL})
		}
		if err := db.BulkUpsertContacts(cached, time.Now()); err != nil {
			return fmt.Errorf("cache contacts: %w", err)
		}
		report(intsync.Update{Progress: 40, Details: "contacts cached"})

		warm := contacts
		if len(warm) > warmTimelineLimit {
			warm = warm[:warmTimelineLimit]
		}
		for i, c := range warm {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := tm.LoadInitial(ctx, c.ID); err != nil {
				log.Warn("warm timeline", zap.String("conversation", c.ID), zap.Error(err))
				continue
			}
			report(intsync.Update{
				Progress: 40 + 55*float64(i+1)/float64(len(warm)),
				Details:  "loading conversations",
			})
		}

		report(intsync.Update{Progress: 100, Details: "sync complete"})
		return nil
	})
}
