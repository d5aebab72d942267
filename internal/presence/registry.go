package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"expertcall-platform/internal/signaling"

	"github.com/redis/go-redis/v9"
)

// Registry is the authoritative expert presence store, backed by redis.
//
// The client-side Cache in this package is advisory only; call initiation
// and accept consult this registry (and the busy concurrency cap) so stale
// caches can never double-book an expert.
//
// Entries carry a TTL: if a server crashes without marking its experts
// offline, presence degrades to offline instead of leaking "online" forever.
type Registry struct {
	rdb *redis.Client
	log *slog.Logger

	// broadcast publishes presence changes to connected clients.
	// Optional; nil means no fan-out (tests, offline tooling).
	broadcast Broadcaster

	ttl time.Duration
}

// Broadcaster is the narrow hub surface the registry needs.
type Broadcaster interface {
	Dispatch(ctx context.Context, ev signaling.Event) error
}

type Entry struct {
	ExpertID      string    `json:"expert_id"`
	IsOnline      bool      `json:"is_online"`
	IsBusy        bool      `json:"is_busy"`
	CurrentCallID string    `json:"current_call_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewRegistry(rdb *redis.Client, log *slog.Logger, broadcast Broadcaster, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{rdb: rdb, log: log, broadcast: broadcast, ttl: ttl}
}

func expertKey(expertID string) string {
	return fmt.Sprintf("presence:expert:%s", expertID)
}

// SetOnline marks an expert online/offline and broadcasts the change.
func (r *Registry) SetOnline(ctx context.Context, expertID string, online bool) error {
	key := expertKey(expertID)

	if online {
		pipe := r.rdb.TxPipeline()
		pipe.HSet(ctx, key, "is_online", 1, "updated_at", time.Now().UTC().Format(time.RFC3339))
		pipe.Expire(ctx, key, r.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	} else {
		// Going offline clears busy state too: a dead connection holds no call.
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			return err
		}
	}

	if r.broadcast != nil {
		_ = r.broadcast.Dispatch(ctx, signaling.Event{
			Type:     signaling.EventExpertStatusChanged,
			ExpertID: expertID,
			IsOnline: online,
		})
	}
	return nil
}

// SetBusy flips the busy flag, remembering which call holds the expert.
func (r *Registry) SetBusy(ctx context.Context, expertID string, busy bool, callID string) error {
	key := expertKey(expertID)

	fields := []any{"updated_at", time.Now().UTC().Format(time.RFC3339)}
	if busy {
		fields = append(fields, "is_busy", 1, "current_call_id", callID)
	} else {
		fields = append(fields, "is_busy", 0, "current_call_id", "")
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if r.broadcast != nil {
		_ = r.broadcast.Dispatch(ctx, signaling.Event{
			Type:     signaling.EventExpertBusyChanged,
			ExpertID: expertID,
			IsBusy:   busy,
			CallID:   callID,
		})
	}
	return nil
}

// Status returns the current entry; a missing key reads as offline.
func (r *Registry) Status(ctx context.Context, expertID string) (Entry, error) {
	vals, err := r.rdb.HGetAll(ctx, expertKey(expertID)).Result()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ExpertID: expertID}
	if len(vals) == 0 {
		return e, nil
	}
	e.IsOnline = vals["is_online"] == "1"
	e.IsBusy = vals["is_busy"] == "1"
	e.CurrentCallID = vals["current_call_id"]
	if ts := vals["updated_at"]; ts != "" {
		if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
			e.UpdatedAt = t
		}
	}
	return e, nil
}

// CanReceiveCall is the server-side initiation gate: online AND not busy.
func (r *Registry) CanReceiveCall(ctx context.Context, expertID string) (bool, error) {
	e, err := r.Status(ctx, expertID)
	if err != nil {
		return false, err
	}
	return e.IsOnline && !e.IsBusy, nil
}

// ClientConnected implements signaling.PresenceHook.
func (r *Registry) ClientConnected(ctx context.Context, userID, userType string) {
	if userType != "expert" {
		return
	}
	if err := r.SetOnline(ctx, userID, true); err != nil {
		r.log.Warn("presence online update failed", "expert_id", userID, "err", err)
	}
}

// ClientAlive implements signaling.PresenceHook: each websocket pong
// refreshes the presence TTL so an idle expert does not silently expire to
// offline. An already-expired entry is re-marked online, since the pong is
// proof of liveness.
func (r *Registry) ClientAlive(ctx context.Context, userID, userType string) {
	if userType != "expert" {
		return
	}
	refreshed, err := r.rdb.ExpireXX(ctx, expertKey(userID), r.ttl).Result()
	if err != nil {
		r.log.Warn("presence ttl refresh failed", "expert_id", userID, "err", err)
		return
	}
	if !refreshed {
		if err := r.SetOnline(ctx, userID, true); err != nil {
			r.log.Warn("presence online update failed", "expert_id", userID, "err", err)
		}
	}
}

// ClientDisconnected implements signaling.PresenceHook.
func (r *Registry) ClientDisconnected(ctx context.Context, userID, userType string) {
	if userType != "expert" {
		return
	}
	if err := r.SetOnline(ctx, userID, false); err != nil {
		r.log.Warn("presence offline update failed", "expert_id", userID, "err", err)
	}
}
