package inspect

import (
	"context"
	"encoding/json"
	"os/exec"

	"go.uber.org/zap"
)

// Ffprobe shells out to ffprobe for stream dimensions. Construction does not
// verify the binary exists; a missing binary simply degrades every Inspect
// call to unknown metadata.
type Ffprobe struct {
	binary string
	logger *zap.Logger
}

// NewFfprobe builds an Ffprobe inspector. An empty binary defaults to
// "ffprobe" on PATH.
func NewFfprobe(binary string, logger *zap.Logger) *Ffprobe {
	if binary == "" {
		binary = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ffprobe{binary: binary, logger: logger}
}

type ffprobeOutput struct {
	Streams []struct {
		Width  uint16 `json:"width"`
		Height uint16 `json:"height"`
	} `json:"streams"`
}

// Inspect runs ffprobe against path and parses the first stream's
// dimensions. Any failure is logged at debug level and reported as unknown.
func (f *Ffprobe) Inspect(ctx context.Context, path string) Metadata {
	cmd := exec.CommandContext(ctx, f.binary,
		"-v", "quiet",
		"-hide_banner",
		"-show_streams",
		"-print_format", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		f.logger.Debug("ffprobe failed", zap.String("path", path), zap.Error(err))
		return Metadata{}
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed.Streams) == 0 {
		f.logger.Debug("ffprobe output unusable", zap.String("path", path), zap.Error(err))
		return Metadata{}
	}

	s := parsed.Streams[0]
	if s.Width == 0 || s.Height == 0 {
		return Metadata{}
	}
	w, h := s.Width, s.Height
	return Metadata{Width: &w, Height: &h}
}
