package speech

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"butler/internal/config"
	appLog "butler/internal/log"
)

// commandRunner executes an external command with the given stdin. Tests
// substitute this to avoid invoking real binaries.
type commandRunner func(ctx context.Context, stdin string, name string, args ...string) error

func execRunner(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, truncateOutput(out))
	}
	return nil
}

func truncateOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Piper synthesizes speech with a local Piper binary, optionally prepending
// a jingle via ffmpeg.
type Piper struct {
	piperPath  string
	modelPath  string
	ffmpegPath string
	jinglePath string
	outputDir  string

	run commandRunner
	now func() time.Time
}

// NewPiper builds a Piper engine from configuration.
func NewPiper(cfg config.SpeechConfig) *Piper {
	return &Piper{
		piperPath:  cfg.PiperPath,
		modelPath:  cfg.PiperModel,
		ffmpegPath: cfg.FfmpegPath,
		jinglePath: cfg.JinglePath,
		outputDir:  cfg.OutputDir,
		run:        execRunner,
		now:        time.Now,
	}
}

// Synthesize renders text to a wav file in the output directory and returns
// its filename. When a jingle and ffmpeg are configured the voice is
// concatenated after the jingle; if mixing fails the raw voice is used.
func (p *Piper) Synthesize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("piper: empty text")
	}
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("piper: create output dir: %w", err)
	}

	stamp := p.now().UnixMilli()
	fileName := fmt.Sprintf("tts_%d.wav", stamp)
	outputFile := filepath.Join(p.outputDir, fileName)
	voiceFile := filepath.Join(p.outputDir, fmt.Sprintf("temp_voice_%d.wav", stamp))

	appLog.Debug("running piper", "chars", len(text))
	if err := p.run(ctx, text, p.piperPath, "--model", p.modelPath, "--output_file", voiceFile); err != nil {
		return "", fmt.Errorf("piper: %w", err)
	}
	if _, err := os.Stat(voiceFile); err != nil {
		return "", fmt.Errorf("piper: voice file not generated: %w", err)
	}

	if p.jingleUsable() {
		appLog.Debug("mixing with jingle")
		err := p.run(ctx, "", p.ffmpegPath,
			"-y", "-i", p.jinglePath, "-i", voiceFile,
			"-filter_complex", "[0:a][1:a]concat=n=2:v=0:a=1",
			outputFile)
		if err == nil {
			os.Remove(voiceFile)
			return fileName, nil
		}
		appLog.Error("jingle mix failed, falling back to raw voice", err)
	}

	if err := os.Rename(voiceFile, outputFile); err != nil {
		return "", fmt.Errorf("piper: move voice file: %w", err)
	}
	return fileName, nil
}

func (p *Piper) jingleUsable() bool {
	if p.ffmpegPath == "" || p.jinglePath == "" {
		return false
	}
	if _, err := os.Stat(p.jinglePath); err != nil {
		return false
	}
	return true
}
