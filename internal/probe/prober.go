package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

// Prober inspects media files. It is the single implementation of the
// media inspection contract used throughout the agent.
type Prober interface {
	// Probe runs ffprobe against the file and returns its parsed layout.
	Probe(ctx context.Context, path string) (*Result, error)

	// RunDoctor checks that the probing toolchain is usable.
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// Config holds the prober's configuration.
type Config struct {
	FFprobePath string        // path to ffprobe binary; empty = auto-detect
	Timeout     time.Duration // per-probe timeout
	Logger      *slog.Logger
}

// SubprocessProber is the production implementation of Prober.
type SubprocessProber struct {
	cfg     Config
	ffprobe string // resolved ffprobe path
}

// NewProber creates a SubprocessProber, resolving the ffprobe binary path.
func NewProber(cfg Config) (*SubprocessProber, error) {
	ffprobe, err := resolveFFprobe(cfg.FFprobePath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffprobe: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	cfg.Logger.Info("prober initialised", "ffprobe", ffprobe)
	return &SubprocessProber{cfg: cfg, ffprobe: ffprobe}, nil
}

func (p *SubprocessProber) Probe(ctx context.Context, path string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, truncate(stderrBuf.String(), 512))
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}

	result := parseOutput(&out)

	p.cfg.Logger.Debug("probe complete",
		"duration_ms", result.Duration.Milliseconds(),
		"has_video", result.HasVideo,
		"has_audio", result.HasAudio,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// RunDoctor checks whether ffprobe is present and responsive.
func (p *SubprocessProber) RunDoctor(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobe, "-version")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard

	caps := &Capabilities{FFprobePath: p.ffprobe, ProbedAt: time.Now()}
	if err := cmd.Run(); err != nil {
		caps.Error = err.Error()
		return caps, nil
	}

	caps.HasFFprobe = true
	if line, _, ok := strings.Cut(stdout.String(), "\n"); ok {
		caps.FFprobeVersion = strings.TrimPrefix(line, "ffprobe version ")
	}
	return caps, nil
}

func parseOutput(out *ffprobeOutput) *Result {
	result := &Result{Container: out.Format.FormatName}

	if secs, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		result.Duration = time.Duration(secs * float64(time.Second))
	}
	if br, err := strconv.ParseInt(out.Format.BitRate, 10, 64); err == nil {
		result.BitRate = br
	}

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if result.HasVideo {
				continue // first video stream wins
			}
			result.HasVideo = true
			result.VideoCodec = s.CodecName
			result.Width = s.Width
			result.Height = s.Height
			result.HasAlpha = pixFmtHasAlpha(s.PixFmt)
			result.FrameRate = parseFrameRate(s.RFrameRate)
			for _, sd := range s.SideDataList {
				if sd.SideDataType == "Display Matrix" {
					result.Rotation = normalizeRotation(sd.Rotation)
				}
			}
		case "audio":
			if result.HasAudio {
				continue
			}
			result.HasAudio = true
			result.AudioCodec = s.CodecName
			if sr, err := strconv.Atoi(s.SampleRate); err == nil {
				result.SampleRate = sr
			}
		}
	}
	return result
}

func pixFmtHasAlpha(pixFmt string) bool {
	switch pixFmt {
	case "yuva420p", "yuva422p", "yuva444p", "rgba", "bgra", "argb", "abgr", "ya8", "ya16le", "ya16be":
		return true
	}
	return strings.HasPrefix(pixFmt, "yuva")
}

// parseFrameRate converts ffprobe's "num/den" rational into fps.
func parseFrameRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, _ := strconv.ParseFloat(rate, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// normalizeRotation maps ffprobe's signed display matrix rotation onto
// clockwise degrees in {0, 90, 180, 270}.
func normalizeRotation(rotation int) int {
	r := (-rotation) % 360
	if r < 0 {
		r += 360
	}
	return r
}

// resolveFFprobe finds a usable ffprobe binary.
func resolveFFprobe(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured ffprobe %q not found", preferred)
	}
	if p, err := exec.LookPath("ffprobe"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("no ffprobe binary found on PATH")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}

// StubProber reports a fixed result without running any subprocess.
// Used in tests and when ffprobe is unavailable.
type StubProber struct {
	Result *Result
	Logger *slog.Logger
}

func (s *StubProber) Probe(ctx context.Context, path string) (*Result, error) {
	if s.Logger != nil {
		s.Logger.Info("prober stub: probe requested", "path", path)
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return &Result{}, nil
}

func (s *StubProber) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return &Capabilities{HasFFprobe: false, Error: "stub prober", ProbedAt: time.Now()}, nil
}
