// Package queue turns the media report plus the state store into an ordered
// list of work items, biggest savings first.
package queue

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/report"
	"github.com/av1pipe/av1pipe/internal/state"
)

// Item is one unit of work. The metadata is frozen at queue-build time; all
// mutable state lives in the state store, keyed by Path.
type Item struct {
	Path            string
	Filename        string
	SizeBytes       int64
	DurationSecs    float64
	BitrateKbps     int
	Codec           string // canonical name for display
	CodecRaw        string // ffprobe name for matching
	ResolutionClass string
	HDR             bool
	BitDepth        int
	LibraryType     string
	AudioStreams    []report.AudioStream
	SubtitleCount   int

	Tier     int
	TierName string
}

// FromEntry builds an Item from a report entry and assigns its tier. Entries
// matching no configured tier land in a synthetic "other" tier after all
// configured ones.
func FromEntry(e report.Entry, tiers []config.Tier) Item {
	item := Item{
		Path:            e.Filepath,
		Filename:        e.Filename,
		SizeBytes:       e.FileSizeBytes,
		DurationSecs:    e.DurationSeconds,
		BitrateKbps:     e.OverallBitrateKbps,
		Codec:           e.Video.Codec,
		CodecRaw:        e.Video.CodecRaw,
		ResolutionClass: e.Video.ResolutionClass,
		HDR:             e.Video.HDR,
		BitDepth:        e.Video.BitDepth,
		LibraryType:     e.LibraryType,
		AudioStreams:    e.AudioStreams,
		SubtitleCount:   e.SubtitleCount,
		Tier:            len(tiers),
		TierName:        "other",
	}
	for i, t := range tiers {
		if t.Matches(e.Video.Codec, e.Video.ResolutionClass, e.OverallBitrateKbps) {
			item.Tier = i
			item.TierName = t.Name
			break
		}
	}
	return item
}

// Build filters the report against the store, assigns tiers and returns the
// ordered queue. Entries already at the target codec or with an unknown
// codec are recorded SKIPPED as a side effect; terminal entries are dropped
// silently.
func Build(rep *report.Report, tiers []config.Tier, targetCodec string, store *state.Store, logger *slog.Logger) ([]Item, error) {
	var items []Item
	skippedCodec, skippedUnknown, excluded := 0, 0, 0

	for _, e := range rep.Files {
		if strings.EqualFold(e.Video.CodecRaw, targetCodec) {
			if !store.StatusOf(e.Filepath).Terminal() {
				if err := store.Set(e.Filepath, state.StatusSkipped, func(r *state.FileRecord) {
					r.Reason = "already target codec"
				}); err != nil {
					return nil, err
				}
			}
			skippedCodec++
			continue
		}
		if e.Video.CodecRaw == "" || strings.EqualFold(e.Video.CodecRaw, "unknown") {
			if !store.StatusOf(e.Filepath).Terminal() {
				if err := store.Set(e.Filepath, state.StatusSkipped, func(r *state.FileRecord) {
					r.Reason = "unknown codec"
				}); err != nil {
					return nil, err
				}
			}
			skippedUnknown++
			continue
		}
		if store.StatusOf(e.Filepath).Terminal() {
			excluded++
			continue
		}
		items = append(items, FromEntry(e, tiers))
	}

	// Tier ascending, then size descending so big wins come first within a
	// tier. Stable sort keeps report order for equal keys.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Tier != items[j].Tier {
			return items[i].Tier < items[j].Tier
		}
		return items[i].SizeBytes > items[j].SizeBytes
	})

	logger.Info("queue built",
		slog.Int("queued", len(items)),
		slog.Int("already_target_codec", skippedCodec),
		slog.Int("unknown_codec", skippedUnknown),
		slog.Int("already_done", excluded))
	return items, nil
}
