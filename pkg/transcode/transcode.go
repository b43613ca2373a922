// Package transcode wraps the ffmpeg binary to convert synthesized audio
// (always produced as mp3 by the cache) into the format a client actually
// requested.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ErrUnsupportedFormat is returned for any target format other than
// "opus", "wav" or "ogg".
var ErrUnsupportedFormat = errors.New("transcode: unsupported target format")

// Timeout bounds every ffmpeg invocation.
const Timeout = 30 * time.Second

// Transcoder shells out to ffmpeg. The zero value is ready to use.
type Transcoder struct {
	// BinaryPath overrides the ffmpeg executable name/path. Defaults to
	// "ffmpeg" (resolved via PATH).
	BinaryPath string
}

func (t *Transcoder) binary() string {
	if t.BinaryPath != "" {
		return t.BinaryPath
	}
	return "ffmpeg"
}

// Convert transcodes mp3 input into targetFormat, returning the encoded
// bytes. The subprocess is killed if it exceeds [Timeout].
func (t *Transcoder) Convert(ctx context.Context, input []byte, targetFormat string) ([]byte, error) {
	args, err := buildArgs(targetFormat)
	if err != nil {
		return nil, err
	}

	inFile, err := os.CreateTemp("", "ttscache-in-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("transcode: create input temp file: %w", err)
	}
	defer os.Remove(inFile.Name())
	if _, err := inFile.Write(input); err != nil {
		inFile.Close()
		return nil, fmt.Errorf("transcode: write input temp file: %w", err)
	}
	if err := inFile.Close(); err != nil {
		return nil, fmt.Errorf("transcode: close input temp file: %w", err)
	}

	outFile, err := os.CreateTemp("", "ttscache-out-*."+targetFormat)
	if err != nil {
		return nil, fmt.Errorf("transcode: create output temp file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	cmdArgs := append([]string{"-y", "-i", inFile.Name()}, args...)
	cmdArgs = append(cmdArgs, "-f", containerFor(targetFormat), outPath)

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary(), cmdArgs...)
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("transcode: ffmpeg timed out after %s: %w", Timeout, err)
		}
		if errors.Is(err, exec.ErrNotFound) {
			slog.Warn("transcode: ffmpeg binary not found, conversion unavailable")
		}
		return nil, fmt.Errorf("transcode: ffmpeg failed: %w", err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("transcode: read ffmpeg output: %w", err)
	}
	return out, nil
}

func buildArgs(targetFormat string) ([]string, error) {
	switch targetFormat {
	case "opus":
		return []string{
			"-c:a", "libopus", "-b:a", "64k",
			"-ar", "48000", "-ac", "1",
			"-application", "voip",
		}, nil
	case "wav":
		return nil, nil
	case "ogg":
		return []string{"-c:a", "libvorbis", "-q:a", "4"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, targetFormat)
	}
}

func containerFor(targetFormat string) string {
	if targetFormat == "wav" {
		return "wav"
	}
	return "ogg"
}
