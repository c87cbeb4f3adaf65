package multiplayer

import (
	"context"
	"errors"
	"sort"

	"github.com/M1PPosu/lazer-server-sub001/internal/beatmaps"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
)

// queuePolicy is the pluggable slice of playlist behaviour that differs
// per queue mode. Every method runs under the room lock.
type queuePolicy interface {
	// canAdd reports whether the member may queue new items.
	canAdd(r *serverRoom, u *RoomUser) bool
	// reorder reassigns playlist order after the queue changed.
	reorder(ctx context.Context, r *serverRoom) error
	// replenish tops the queue back up after an item finished.
	replenish(ctx context.Context, r *serverRoom) error
}

type hostOnlyQueue struct{}

func (hostOnlyQueue) canAdd(r *serverRoom, u *RoomUser) bool { return r.isHostLocked(u) }
func (hostOnlyQueue) reorder(context.Context, *serverRoom) error { return nil }

// replenish keeps exactly one unexpired item around by cloning the item
// that just finished.
func (hostOnlyQueue) replenish(ctx context.Context, r *serverRoom) error {
	for _, it := range r.room.Playlist {
		if !it.Expired {
			return nil
		}
	}
	last := r.currentItemLocked()
	if last == nil {
		return nil
	}
	fresh := last.clone()
	fresh.ID = 0
	fresh.Expired = false
	fresh.PlayedAt = nil
	fresh.PlaylistOrder = r.nextOrderLocked()
	row, err := itemToStore(r.room.RoomID, fresh)
	if err != nil {
		return err
	}
	if err := r.hub.st.CreatePlaylistItem(ctx, row); err != nil {
		return err
	}
	fresh.ID = row.ID
	r.room.Playlist = append(r.room.Playlist, fresh)
	r.sortPlaylistLocked()
	r.broadcastLocked(notifyPlaylistItemAdded, fresh)
	return nil
}

type allPlayersQueue struct{}

func (allPlayersQueue) canAdd(*serverRoom, *RoomUser) bool        { return true }
func (allPlayersQueue) reorder(context.Context, *serverRoom) error { return nil }
func (allPlayersQueue) replenish(context.Context, *serverRoom) error { return nil }

type roundRobinQueue struct{}

func (roundRobinQueue) canAdd(*serverRoom, *RoomUser) bool          { return true }
func (roundRobinQueue) replenish(context.Context, *serverRoom) error { return nil }

// reorder interleaves unexpired items across owners: the first pending
// item of each owner plays before any owner's second.
func (roundRobinQueue) reorder(ctx context.Context, r *serverRoom) error {
	var pending []*PlaylistItem
	for _, it := range r.room.Playlist {
		if !it.Expired {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	byOwner := make(map[int32][]*PlaylistItem)
	var owners []int32
	for _, it := range pending {
		if _, seen := byOwner[it.OwnerID]; !seen {
			owners = append(owners, it.OwnerID)
		}
		byOwner[it.OwnerID] = append(byOwner[it.OwnerID], it)
	}

	var order int32
	for round := 0; ; round++ {
		assigned := false
		for _, owner := range owners {
			items := byOwner[owner]
			if round >= len(items) {
				continue
			}
			assigned = true
			it := items[round]
			if it.PlaylistOrder == order {
				order++
				continue
			}
			updated := it.clone()
			updated.PlaylistOrder = order
			row, err := itemToStore(r.room.RoomID, updated)
			if err != nil {
				return err
			}
			if err := r.hub.st.UpdatePlaylistItem(ctx, row); err != nil {
				return err
			}
			it.PlaylistOrder = order
			r.broadcastLocked(notifyPlaylistItemChanged, it)
			order++
		}
		if !assigned {
			break
		}
	}
	r.sortPlaylistLocked()
	return nil
}

func policyForMode(m QueueMode) queuePolicy {
	switch m {
	case QueueAllPlayers:
		return allPlayersQueue{}
	case QueueRoundRobin:
		return roundRobinQueue{}
	default:
		return hostOnlyQueue{}
	}
}

// --- Room-level playlist operations ---

// sortPlaylistLocked keeps the playlist in store order: unexpired first,
// then playlist order, then id.
func (r *serverRoom) sortPlaylistLocked() {
	sort.SliceStable(r.room.Playlist, func(i, j int) bool {
		a, b := r.room.Playlist[i], r.room.Playlist[j]
		if a.Expired != b.Expired {
			return !a.Expired
		}
		if a.PlaylistOrder != b.PlaylistOrder {
			return a.PlaylistOrder < b.PlaylistOrder
		}
		return a.ID < b.ID
	})
}

// currentItemLocked returns the next item to play, or the most recently
// played one once everything has expired.
func (r *serverRoom) currentItemLocked() *PlaylistItem {
	for _, it := range r.room.Playlist {
		if !it.Expired {
			return it
		}
	}
	var last *PlaylistItem
	for _, it := range r.room.Playlist {
		if last == nil || (it.PlayedAt != nil && (last.PlayedAt == nil || it.PlayedAt.After(last.PlayedAt.Time))) {
			last = it
		}
	}
	return last
}

func (r *serverRoom) nextOrderLocked() int32 {
	var next int32
	for _, it := range r.room.Playlist {
		if !it.Expired && it.PlaylistOrder >= next {
			next = it.PlaylistOrder + 1
		}
	}
	return next
}

// validateItemLocked checks the item against the beatmap catalogue and
// fills in the server-trusted fields.
func (r *serverRoom) validateItemLocked(ctx context.Context, it *PlaylistItem) error {
	if it.RulesetID < 0 || it.RulesetID > 3 {
		return signalr.Errorf("invalid ruleset")
	}
	bm, err := r.hub.maps.Lookup(ctx, it.BeatmapID)
	if err != nil {
		if errors.Is(err, beatmaps.ErrNotFound) {
			return signalr.Errorf("beatmap not found")
		}
		return signalr.Errorf("unable to look up beatmap")
	}
	if it.BeatmapChecksum != "" && it.BeatmapChecksum != bm.Checksum {
		return signalr.Errorf("beatmap checksum mismatch")
	}
	it.BeatmapChecksum = bm.Checksum
	it.StarRating = bm.StarRating
	return nil
}

func (r *serverRoom) addItemLocked(ctx context.Context, u *RoomUser, it *PlaylistItem) error {
	if !r.queue.canAdd(r, u) {
		return signalr.Errorf("only the host can queue items in host-only mode")
	}
	if err := r.validateItemLocked(ctx, it); err != nil {
		return err
	}
	it.OwnerID = u.UserID
	it.Expired = false
	it.PlayedAt = nil
	it.PlaylistOrder = r.nextOrderLocked()

	prev := r.currentItemIDLocked()
	row, err := itemToStore(r.room.RoomID, it)
	if err != nil {
		return err
	}
	if err := r.hub.st.CreatePlaylistItem(ctx, row); err != nil {
		return err
	}
	it.ID = row.ID
	r.room.Playlist = append(r.room.Playlist, it)
	r.sortPlaylistLocked()
	if err := r.queue.reorder(ctx, r); err != nil {
		return err
	}
	r.broadcastLocked(notifyPlaylistItemAdded, it)
	return r.afterQueueChangeLocked(ctx, prev)
}

func (r *serverRoom) editItemLocked(ctx context.Context, u *RoomUser, it *PlaylistItem) error {
	existing := r.playlistItemLocked(it.ID)
	if existing == nil {
		return signalr.Errorf("playlist item not found")
	}
	if existing.Expired {
		return signalr.Errorf("cannot edit an expired item")
	}
	if existing.OwnerID != u.UserID && !r.isHostLocked(u) {
		return signalr.Errorf("not allowed to edit this item")
	}
	if it.BeatmapID != existing.BeatmapID {
		if err := r.validateItemLocked(ctx, it); err != nil {
			return err
		}
	} else {
		if it.RulesetID < 0 || it.RulesetID > 3 {
			return signalr.Errorf("invalid ruleset")
		}
		it.BeatmapChecksum = existing.BeatmapChecksum
		it.StarRating = existing.StarRating
	}

	updated := it.clone()
	updated.OwnerID = existing.OwnerID
	updated.Expired = false
	updated.PlayedAt = nil
	updated.PlaylistOrder = existing.PlaylistOrder
	row, err := itemToStore(r.room.RoomID, updated)
	if err != nil {
		return err
	}
	if err := r.hub.st.UpdatePlaylistItem(ctx, row); err != nil {
		return err
	}
	*existing = *updated
	r.broadcastLocked(notifyPlaylistItemChanged, existing)

	// Editing the item everyone is about to play invalidates readiness.
	if cur := r.currentItemLocked(); cur == existing {
		for _, other := range r.room.Users {
			if other.State == UserReady {
				r.setUserStateLocked(other, UserIdle)
			}
		}
	}
	return nil
}

func (r *serverRoom) removeItemLocked(ctx context.Context, u *RoomUser, itemID int64) error {
	existing := r.playlistItemLocked(itemID)
	if existing == nil {
		return signalr.Errorf("playlist item not found")
	}
	if existing.Expired {
		return signalr.Errorf("cannot remove an expired item")
	}
	if existing.OwnerID != u.UserID && !r.isHostLocked(u) {
		return signalr.Errorf("not allowed to remove this item")
	}
	unexpired := 0
	for _, it := range r.room.Playlist {
		if !it.Expired {
			unexpired++
		}
	}
	if unexpired <= 1 {
		return signalr.Errorf("cannot remove the only playlist item")
	}

	prev := r.currentItemIDLocked()
	if err := r.hub.st.RemovePlaylistItem(ctx, r.room.RoomID, itemID); err != nil {
		return err
	}
	for i, it := range r.room.Playlist {
		if it.ID == itemID {
			r.room.Playlist = append(r.room.Playlist[:i], r.room.Playlist[i+1:]...)
			break
		}
	}
	if err := r.queue.reorder(ctx, r); err != nil {
		return err
	}
	r.broadcastLocked(notifyPlaylistItemRemoved, itemID)
	return r.afterQueueChangeLocked(ctx, prev)
}

// finishCurrentItemLocked expires the item that just played and rotates
// the queue.
func (r *serverRoom) finishCurrentItemLocked(ctx context.Context) error {
	cur := r.currentItemLocked()
	if cur == nil || cur.Expired {
		return nil
	}
	prev := cur.ID
	now := signalr.Now()
	cur.Expired = true
	cur.PlayedAt = &now
	row, err := itemToStore(r.room.RoomID, cur)
	if err != nil {
		return err
	}
	if err := r.hub.st.UpdatePlaylistItem(ctx, row); err != nil {
		return err
	}
	r.sortPlaylistLocked()
	r.broadcastLocked(notifyPlaylistItemChanged, cur)
	if err := r.queue.replenish(ctx, r); err != nil {
		return err
	}
	if err := r.queue.reorder(ctx, r); err != nil {
		return err
	}
	return r.afterQueueChangeLocked(ctx, prev)
}

func (r *serverRoom) playlistItemLocked(id int64) *PlaylistItem {
	for _, it := range r.room.Playlist {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (r *serverRoom) currentItemIDLocked() int64 {
	if cur := r.currentItemLocked(); cur != nil {
		return cur.ID
	}
	return 0
}

// afterQueueChangeLocked re-points the room at the new current item and
// tells everyone when it moved.
func (r *serverRoom) afterQueueChangeLocked(ctx context.Context, prevCurrentID int64) error {
	cur := r.currentItemLocked()
	if cur == nil || cur.ID == prevCurrentID {
		return nil
	}
	r.room.Settings.PlaylistItemID = cur.ID
	r.broadcastLocked(notifySettingsChanged, r.room.Settings)
	r.armAutoStartLocked(ctx)
	return nil
}
