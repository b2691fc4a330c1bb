// Package encode resolves NVENC AV1 parameters per file and shapes the
// ffmpeg command line.
package encode

import (
	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/control"
	"github.com/av1pipe/av1pipe/internal/queue"
)

// Params is the fully resolved encoder parameter set for one file.
type Params struct {
	CQ          int
	Preset      string
	Multipass   string // disabled, qres, fullres
	Lookahead   int
	MaxRate     string // empty = no cap
	BufSize     string
	ContentType string // movie or series
	ResKey      string // 4K_HDR, 4K_SDR, 1080p, 720p, 480p, SD
}

// ContentType folds the library type into the two-valued encoder axis.
func ContentType(libraryType string) string {
	switch libraryType {
	case "series", "show", "tv", "anime":
		return "series"
	default:
		return "movie"
	}
}

// ResKey maps a resolution class plus HDR flag onto the table lookup key.
func ResKey(resolutionClass string, hdr bool) string {
	switch resolutionClass {
	case "4K":
		if hdr {
			return "4K_HDR"
		}
		return "4K_SDR"
	case "1080p", "720p", "480p", "SD":
		return resolutionClass
	default:
		return "SD"
	}
}

func lookupInt(table map[string]map[string]int, ct, rk string, fallback int) int {
	if row, ok := table[ct]; ok {
		if v, ok := row[rk]; ok {
			return v
		}
	}
	return fallback
}

func lookupStr(table map[string]map[string]string, ct, rk, fallback string) string {
	if row, ok := table[ct]; ok {
		if v, ok := row[rk]; ok {
			return v
		}
	}
	return fallback
}

// Resolve derives the encoder parameters for one work item from the
// content_type x res_key tables.
func Resolve(cfg *config.EncoderConfig, item queue.Item) Params {
	ct := ContentType(item.LibraryType)
	rk := ResKey(item.ResolutionClass, item.HDR)
	return Params{
		CQ:          lookupInt(cfg.CQ, ct, rk, 30),
		Preset:      lookupStr(cfg.Preset, ct, rk, "p4"),
		Multipass:   lookupStr(cfg.Multipass, ct, rk, "disabled"),
		Lookahead:   lookupInt(cfg.Lookahead, ct, rk, 16),
		MaxRate:     lookupStr(cfg.MaxRate, ct, rk, ""),
		BufSize:     lookupStr(cfg.BufSize, ct, rk, ""),
		ContentType: ct,
		ResKey:      rk,
	}
}

// ApplyOverride patches the resolved parameters with a per-file override.
// An absolute cq wins over cq_offset; the result never drops below 1.
func (p Params) ApplyOverride(ov control.Override) Params {
	switch {
	case ov.CQ != nil:
		p.CQ = *ov.CQ
	case ov.CQOffset != nil:
		p.CQ += *ov.CQOffset
	}
	if p.CQ < 1 {
		p.CQ = 1
	}
	if ov.Preset != nil && *ov.Preset != "" {
		p.Preset = *ov.Preset
	}
	return p
}
