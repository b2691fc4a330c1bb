package encode

import (
	"fmt"
	"strings"

	"github.com/av1pipe/av1pipe/internal/config"
	"github.com/av1pipe/av1pipe/internal/queue"
)

// BuildArgs constructs the ffmpeg argument list (without the binary name)
// for encoding item's staged input to outputPath. The full stream map is
// carried over: video re-encoded, audio per the configured mode, subtitles
// copied.
func BuildArgs(cfg *config.Config, item queue.Item, params Params, inputPath, outputPath string) []string {
	args := []string{
		"-y",
		"-i", inputPath,
		"-map", "0",
		"-c:v", cfg.Encoder.VideoCodec,
		"-cq", fmt.Sprintf("%d", params.CQ),
		"-preset", params.Preset,
		"-tune", "hq",
		"-rc", "vbr",
		"-b:v", "0",
		// 10-bit for HDR (mandatory) and SDR (resists banding).
		"-pix_fmt", cfg.Encoder.PixelFormat,
	}

	if params.Multipass != "disabled" {
		args = append(args, "-multipass", params.Multipass)
	}
	if params.Lookahead > 0 {
		args = append(args, "-rc-lookahead", fmt.Sprintf("%d", params.Lookahead))
	}

	args = append(args, "-spatial-aq", "1")
	// Temporal AQ has diminishing returns on series and adds encode time.
	if params.ContentType == "movie" {
		args = append(args, "-temporal-aq", "1")
	}

	if params.MaxRate != "" {
		args = append(args, "-maxrate", params.MaxRate)
	}
	if params.BufSize != "" {
		args = append(args, "-bufsize", params.BufSize)
	}

	if item.HDR {
		args = append(args,
			"-color_primaries", "bt2020",
			"-color_trc", "smpte2084",
			"-colorspace", "bt2020nc",
		)
	}

	args = append(args, audioArgs(&cfg.Audio, item)...)
	args = append(args, "-c:s", "copy", outputPath)
	return args
}

// audioArgs emits per-stream audio options. In smart mode, lossless streams
// are transcoded to E-AC-3 at a channel-count-dependent bitrate; everything
// else passes through.
func audioArgs(cfg *config.AudioConfig, item queue.Item) []string {
	if cfg.Mode == "copy" || len(item.AudioStreams) == 0 {
		return []string{"-c:a", "copy"}
	}

	lossless := cfg.LosslessCodecSet()
	var args []string
	for i, stream := range item.AudioStreams {
		codec := strings.ToLower(strings.TrimSpace(stream.CodecRaw))
		if stream.Lossless || lossless[codec] {
			bitrate := cfg.StereoBitrate
			if stream.Channels > 2 {
				bitrate = cfg.SurroundBitrate
			}
			args = append(args,
				fmt.Sprintf("-c:a:%d", i), "eac3",
				fmt.Sprintf("-b:a:%d", i), bitrate,
			)
		} else {
			args = append(args, fmt.Sprintf("-c:a:%d", i), "copy")
		}
	}
	return args
}

// BuildRemuxArgs constructs the stream-copy remux command for containers the
// encoder cannot ingest directly.
func BuildRemuxArgs(inputPath, outputPath string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-map", "0",
		"-c", "copy",
		outputPath,
	}
}
