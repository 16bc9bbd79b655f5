package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"butler/internal/config"
	appLog "butler/internal/log"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Polly synthesizes speech with AWS Polly. The client is resolved lazily
// from the default AWS credential chain.
type Polly struct {
	mu     sync.Mutex
	client synthClient

	region    string
	voiceID   string
	engine    string
	outputDir string
	now       func() time.Time
}

// NewPolly builds a Polly engine from configuration.
func NewPolly(cfg config.SpeechConfig) *Polly {
	return &Polly{
		region:    cfg.Polly.Region,
		voiceID:   cfg.Polly.VoiceID,
		engine:    cfg.Polly.Engine,
		outputDir: cfg.OutputDir,
		now:       time.Now,
	}
}

// Synthesize renders text to an mp3 file in the output directory and
// returns its filename.
func (p *Polly) Synthesize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("polly: empty text")
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return "", err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(p.voiceID),
	})
	if err != nil {
		return "", normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return "", errors.New("polly: empty audio stream")
	}
	defer output.AudioStream.Close()

	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("polly: create output dir: %w", err)
	}
	fileName := fmt.Sprintf("tts_%d.mp3", p.now().UnixMilli())
	f, err := os.Create(filepath.Join(p.outputDir, fileName))
	if err != nil {
		return "", fmt.Errorf("polly: create audio file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, output.AudioStream); err != nil {
		return "", fmt.Errorf("polly: write audio: %w", err)
	}

	appLog.Debug("polly synthesis completed", "file", fileName)
	return fileName, nil
}

func (p *Polly) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

// normalizePollyError folds the service's error surface into a few stable
// messages so callers log something actionable.
func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("polly: throttled: %w", err)
		case "InvalidSsmlException", "TextLengthExceededException":
			return fmt.Errorf("polly: rejected input: %w", err)
		default:
			return fmt.Errorf("polly: service error %s: %w", apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("polly: transport error: %w", err)
}
