package target

import (
	"context"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/nok/internal/backend"
)

const maxSyncBackoff = 30 * time.Second

// StartSync runs the /sync long-poll loop in a goroutine until StopSync or
// Disconnect. Calling it twice is a no-op.
func (b *Backend) StartSync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopSync != nil || b.sess.token == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopSync = cancel
	b.syncDone = done

	go b.syncLoop(ctx, b.sess.token, done)
}

// StopSync cancels the loop and waits for it to exit. An in-flight request
// is aborted through its context.
func (b *Backend) StopSync() {
	b.mu.Lock()
	cancel, done := b.stopSync, b.syncDone
	b.stopSync, b.syncDone = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// detachSync forgets a loop that is exiting on its own so the next
// StartSync runs a fresh one.
func (b *Backend) detachSync(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.syncDone != done {
		return
	}
	b.stopSync()
	b.stopSync, b.syncDone = nil, nil
}

func (b *Backend) syncLoop(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	var since string
	backoff := time.Second
	for {
		// The first batch is room history; only its token is kept.
		timeout := b.cfg.SyncTimeout
		if since == "" {
			timeout = 0
		}
		resp, err := b.syncAPI.sync(ctx, token, since, timeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, backend.ErrAuthentication) {
				b.detachSync(done)
				b.status.Set(backend.Failed("sync: " + err.Error()))
				b.logger.Error("sync stopped, session rejected", "error", err)
				return
			}
			b.logger.Warn("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxSyncBackoff)
			continue
		}
		backoff = time.Second

		if since != "" {
			b.deliver(resp)
		}
		since = resp.NextBatch
	}
}

func (b *Backend) deliver(resp *SyncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			ev.RoomID = roomID
			select {
			case b.events <- ev:
			default:
				b.logger.Debug("target event dropped", "room_id", roomID, "type", ev.Type)
			}
		}
	}
}
