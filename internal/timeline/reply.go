package timeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/saikiran76/dailyfix-core/internal/bridge"
)

type replyResult struct {
	entry    *Entry
	notFound bool
}

// ResolveReply resolves the parent of a reply entry. Results, including an
// explicit not-found sentinel, are cached per (conversation, parent id) and
// never invalidated: parent content is assumed immutable. Concurrent
// resolutions of distinct parents proceed in parallel; concurrent
// resolutions of the same parent share one fetch.
//
// The returned bool reports whether a parent exists. A nil error with
// found=false means the parent is definitively missing.
func (m *Manager) ResolveReply(ctx context.Context, entry Entry) (*Entry, bool, error) {
	if entry.ReplyToID == "" {
		return nil, false, nil
	}
	key := entry.ConversationID + "/" + entry.ReplyToID

	for {
		m.mu.Lock()
		// Already in the conversation timeline.
		if conv, ok := m.convs[entry.ConversationID]; ok {
			if parent, ok := conv.index[entry.ReplyToID]; ok {
				p := *parent
				m.mu.Unlock()
				return &p, true, nil
			}
		}
		// Cached resolution.
		if r, ok := m.replies[key]; ok {
			m.mu.Unlock()
			if r.notFound {
				return nil, false, nil
			}
			p := *r.entry
			return &p, true, nil
		}
		// Another resolution for the same parent is in flight; wait for it.
		if ch, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.inflight[key] = ch
		m.mu.Unlock()

		parent, found, err := m.fetchParent(ctx, entry.ConversationID, entry.ReplyToID)

		m.mu.Lock()
		delete(m.inflight, key)
		if err == nil {
			if found {
				m.replies[key] = replyResult{entry: parent}
			} else {
				m.replies[key] = replyResult{notFound: true}
			}
		}
		m.mu.Unlock()
		close(ch)

		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		p := *parent
		return &p, true, nil
	}
}

func (m *Manager) fetchParent(ctx context.Context, conversationID, eventID string) (*Entry, bool, error) {
	env, err := m.fetcher.Event(ctx, conversationID, eventID)
	if err != nil {
		var be *bridge.Error
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch reply parent %s: %w", eventID, err)
	}
	e := Normalize(*env)
	return &e, true, nil
}
