// Package merge implements the configuration merge engine: the pure,
// deterministic reconciliation of the locally stored library with a
// centrally pushed one. Central is authoritative for its own namespace
// (locked / neopro-owned categories), the club keeps everything it owns,
// and expired videos are pruned at every level. No I/O happens here;
// persistence and backups are the caller's concern.
package merge

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
)

// Merge combines the local library with a central push and returns a new
// tree. Neither input is mutated.
//
// Precedence rules, in order:
//  1. scalar fields are taken from central only when present there;
//  2. every central-owned category in the push replaces or creates the
//     local category with the same id, wholesale;
//  3. club categories are preserved;
//  4. local central-owned categories absent from the push are dropped
//     (central retraction);
//  5. an unmarked category in the push is a suggestion: adopted as a new
//     club category unless the id is already taken locally (local wins).
//
// After reconciliation every remaining video with an elapsed expiry is
// removed, at every nesting level.
func Merge(local, central *models.Configuration, now time.Time) *models.Configuration {
	out := local.Clone()
	if central == nil {
		pruneTree(out, now)
		return out
	}

	if central.Version != "" {
		out.Version = central.Version
	}
	if central.LiveScoreEnabled != nil {
		v := *central.LiveScoreEnabled
		out.LiveScoreEnabled = &v
	}
	if central.Settings != nil {
		out.Settings = make(map[string]interface{}, len(central.Settings))
		for k, v := range central.Settings {
			out.Settings[k] = v
		}
	}

	centralOwned := make(map[string]*models.Category)
	for _, cc := range central.Categories {
		if cc == nil || cc.ID == "" {
			continue
		}
		if cc.CentralOwned() {
			centralOwned[cc.ID] = cc
		}
	}

	merged := make([]*models.Category, 0, len(out.Categories)+len(central.Categories))
	taken := make(map[string]bool)

	// Walk local categories in their existing order: club categories are
	// kept, central-owned ones are replaced by the new push or dropped
	// when the push retracted them.
	for _, lc := range out.Categories {
		if lc == nil || lc.ID == "" || taken[lc.ID] {
			continue
		}
		if lc.CentralOwned() {
			cc, ok := centralOwned[lc.ID]
			if !ok {
				log.Debug().Str("category", lc.ID).Msg("central retracted category")
				continue
			}
			merged = append(merged, cc.Clone())
			taken[lc.ID] = true
			continue
		}
		merged = append(merged, lc)
		taken[lc.ID] = true
	}

	// Remaining push content: new central-owned categories, plus unmarked
	// suggestions adopted into the club namespace when the id is free.
	for _, cc := range central.Categories {
		if cc == nil || cc.ID == "" || taken[cc.ID] {
			continue
		}
		adopted := cc.Clone()
		if !cc.CentralOwned() {
			// Trust boundary: an unmarked category from central becomes
			// club content. A central-side bug that forgets the locked
			// marker lands here, so keep it visible in the logs.
			adopted.Owner = models.OwnerClub
			adopted.Locked = false
			log.Debug().Str("category", cc.ID).Msg("adopted unmarked central category as club content")
		}
		merged = append(merged, adopted)
		taken[cc.ID] = true
	}

	out.Categories = merged
	normalizeTree(out.Categories)
	pruneTree(out, now)
	return out
}

// PruneExpired removes every video whose expiry has elapsed, at every
// nesting level, mutating cfg in place. It returns the number of videos
// removed. Used by the periodic expiration checker.
func PruneExpired(cfg *models.Configuration, now time.Time) int {
	if cfg == nil {
		return 0
	}
	removed := 0
	for _, cat := range cfg.Categories {
		removed += pruneCategory(cat, now)
	}
	return removed
}

// UpsertVideo adds video to the category with the given id, replacing any
// existing entry with the same filename in place. A missing category is
// created as club content. Returns true when an existing entry was
// replaced rather than added.
func UpsertVideo(cfg *models.Configuration, categoryID string, video *models.Video) bool {
	cat := findCategory(cfg.Categories, categoryID)
	if cat == nil {
		cat = &models.Category{
			ID:    categoryID,
			Name:  categoryID,
			Owner: models.OwnerClub,
		}
		cfg.Categories = append(cfg.Categories, cat)
	}
	for i, v := range cat.Videos {
		if v != nil && v.Filename == video.Filename {
			cat.Videos[i] = video
			return true
		}
	}
	cat.Videos = append(cat.Videos, video)
	return false
}

// RemoveVideo deletes every entry with the given filename from the whole
// tree. Returns true when at least one entry was removed.
func RemoveVideo(cfg *models.Configuration, filename string) bool {
	removed := false
	for _, cat := range cfg.Categories {
		if removeFromCategory(cat, filename) {
			removed = true
		}
	}
	return removed
}

func findCategory(cats []*models.Category, id string) *models.Category {
	for _, cat := range cats {
		if cat == nil {
			continue
		}
		if cat.ID == id {
			return cat
		}
		if sub := findCategory(cat.SubCategories, id); sub != nil {
			return sub
		}
	}
	return nil
}

func removeFromCategory(cat *models.Category, filename string) bool {
	if cat == nil {
		return false
	}
	removed := false
	kept := cat.Videos[:0]
	for _, v := range cat.Videos {
		if v != nil && v.Filename == filename {
			removed = true
			continue
		}
		kept = append(kept, v)
	}
	cat.Videos = kept
	for _, sub := range cat.SubCategories {
		if removeFromCategory(sub, filename) {
			removed = true
		}
	}
	return removed
}

// normalizeTree enforces the ownership invariant: a category is locked if
// and only if it is neopro-owned.
func normalizeTree(cats []*models.Category) {
	for _, cat := range cats {
		if cat == nil {
			continue
		}
		if cat.CentralOwned() {
			cat.Locked = true
			cat.Owner = models.OwnerNeopro
		} else {
			cat.Locked = false
		}
		normalizeTree(cat.SubCategories)
	}
}

func pruneTree(cfg *models.Configuration, now time.Time) {
	for _, cat := range cfg.Categories {
		pruneCategory(cat, now)
	}
}

func pruneCategory(cat *models.Category, now time.Time) int {
	if cat == nil {
		return 0
	}
	removed := 0
	kept := cat.Videos[:0]
	for _, v := range cat.Videos {
		if v == nil {
			continue
		}
		if v.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	cat.Videos = kept
	for _, sub := range cat.SubCategories {
		removed += pruneCategory(sub, now)
	}
	return removed
}
