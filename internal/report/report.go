// Package report parses the media report produced by the library scanner.
// The report is the pipeline's only source of file metadata; nothing is
// probed from the originals at queue-build time.
package report

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/av1pipe/av1pipe/internal/util"
)

// Report is the top-level scanner output.
type Report struct {
	Files []Entry `json:"files"`
}

// Entry describes one scanned media file.
type Entry struct {
	Filepath           string        `json:"filepath"`
	Filename           string        `json:"filename"`
	FileSizeBytes      int64         `json:"file_size_bytes"`
	FileSizeGB         float64       `json:"file_size_gb"`
	DurationSeconds    float64       `json:"duration_seconds"`
	OverallBitrateKbps int           `json:"overall_bitrate_kbps"`
	Video              VideoInfo     `json:"video"`
	AudioStreams       []AudioStream `json:"audio_streams"`
	SubtitleCount      int           `json:"subtitle_count"`
	LibraryType        string        `json:"library_type"` // movie, series, show, tv, anime
}

// VideoInfo describes the primary video stream.
type VideoInfo struct {
	Codec           string `json:"codec"`            // canonical name, e.g. "HEVC (H.265)"
	CodecRaw        string `json:"codec_raw"`        // ffprobe name, e.g. "hevc"
	ResolutionClass string `json:"resolution_class"` // 4K, 1080p, 720p, 480p, SD
	HDR             bool   `json:"hdr"`
	BitDepth        int    `json:"bit_depth"`
}

// AudioStream describes one audio stream.
type AudioStream struct {
	Codec    string `json:"codec"`
	CodecRaw string `json:"codec_raw"`
	Lossless bool   `json:"lossless"`
	Channels int    `json:"channels"`
	Language string `json:"language"`
}

// Load reads and parses a media report from disk.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", path, err)
	}
	return &rep, nil
}

// Index returns the report entries keyed by normalized file path, for
// priority-injection lookups.
func (r *Report) Index() map[string]Entry {
	idx := make(map[string]Entry, len(r.Files))
	for _, e := range r.Files {
		idx[util.PathKey(e.Filepath)] = e
	}
	return idx
}
