package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butler/internal/config"
)

type stubEngine struct {
	name string
	err  error
}

func (e *stubEngine) Synthesize(context.Context, string) (string, error) {
	return e.name, e.err
}

func TestNotifierDeliverPublishes(t *testing.T) {
	n := NewNotifier(&stubEngine{name: "tts_1.wav"}, time.Minute)
	n.sleep = func(time.Duration) {}

	ch, cancel := n.Subscribe()
	defer cancel()

	require.NoError(t, n.Deliver(context.Background(), "Event Starting", "It is time, Sir.", "start"))

	ev := <-ch
	assert.Equal(t, "notification", ev.Kind)
	assert.Equal(t, "Event Starting", ev.Title)
	assert.Equal(t, "It is time, Sir.", ev.Text)
	assert.Equal(t, "start", ev.Phase)
	assert.Equal(t, "/audio/tts_1.wav", ev.Audio)
}

func TestNotifierSpeakWithoutEngine(t *testing.T) {
	n := NewNotifier(nil, time.Minute)
	n.sleep = func(time.Duration) {}

	ch, cancel := n.Subscribe()
	defer cancel()

	require.NoError(t, n.Speak(context.Background(), "Audit complete, Sir."))

	ev := <-ch
	assert.Equal(t, "speech", ev.Kind)
	assert.Empty(t, ev.Audio)
}

func TestNotifierSynthesisFailureStillDelivers(t *testing.T) {
	n := NewNotifier(&stubEngine{err: errors.New("piper crashed")}, time.Minute)
	n.sleep = func(time.Duration) {}

	ch, cancel := n.Subscribe()
	defer cancel()

	require.NoError(t, n.Deliver(context.Background(), "Check-in", "Still there, Sir?", "checkin"))

	ev := <-ch
	assert.Equal(t, "Still there, Sir?", ev.Text)
	assert.Empty(t, ev.Audio)
}

func TestEstimateDurationScalesWithWords(t *testing.T) {
	short := estimateDuration("Yes.")
	long := estimateDuration("Sir, your morning routine begins in five minutes and we have much to do.")
	assert.Less(t, short, long)
}

func TestPiperSynthesize(t *testing.T) {
	dir := t.TempDir()
	p := NewPiper(config.SpeechConfig{
		PiperPath:  "/usr/bin/piper",
		PiperModel: "/models/alan.onnx",
		OutputDir:  dir,
	})
	p.now = func() time.Time { return time.UnixMilli(1000) }
	p.run = func(_ context.Context, stdin, name string, args ...string) error {
		assert.Equal(t, "/usr/bin/piper", name)
		assert.Equal(t, "hello, Sir", stdin)
		// The command writes the voice file named by --output_file.
		return os.WriteFile(args[len(args)-1], []byte("wav"), 0o644)
	}

	name, err := p.Synthesize(context.Background(), "hello, Sir")
	require.NoError(t, err)
	assert.Equal(t, "tts_1000.wav", name)
	_, err = os.Stat(filepath.Join(dir, name))
	assert.NoError(t, err)
}

func TestPiperJingleMixFallsBackToRawVoice(t *testing.T) {
	dir := t.TempDir()
	jingle := filepath.Join(dir, "jingle.mp3")
	require.NoError(t, os.WriteFile(jingle, []byte("mp3"), 0o644))

	p := NewPiper(config.SpeechConfig{
		PiperPath:  "/usr/bin/piper",
		PiperModel: "/models/alan.onnx",
		FfmpegPath: "/usr/bin/ffmpeg",
		JinglePath: jingle,
		OutputDir:  dir,
	})
	p.now = func() time.Time { return time.UnixMilli(2000) }
	p.run = func(_ context.Context, stdin, name string, args ...string) error {
		if name == "/usr/bin/ffmpeg" {
			return errors.New("codec error")
		}
		return os.WriteFile(args[len(args)-1], []byte("wav"), 0o644)
	}

	name, err := p.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "tts_2000.wav", name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "wav", string(data))
}

func TestPiperFailure(t *testing.T) {
	p := NewPiper(config.SpeechConfig{PiperPath: "/usr/bin/piper", OutputDir: t.TempDir()})
	p.run = func(context.Context, string, string, ...string) error {
		return errors.New("exit status 1")
	}

	_, err := p.Synthesize(context.Background(), "hello")
	require.Error(t, err)
}

type stubPolly struct {
	out *polly.SynthesizeSpeechOutput
	err error
}

func (s *stubPolly) SynthesizeSpeech(context.Context, *polly.SynthesizeSpeechInput, ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	return s.out, s.err
}

func TestPollySynthesizeWritesFile(t *testing.T) {
	dir := t.TempDir()
	p := NewPolly(config.SpeechConfig{
		OutputDir: dir,
		Polly:     config.PollyConfig{Region: "us-east-1", VoiceID: "Brian", Engine: "neural"},
	})
	p.now = func() time.Time { return time.UnixMilli(3000) }
	p.client = &stubPolly{out: &polly.SynthesizeSpeechOutput{
		AudioStream: os.Stdin, // replaced below
	}}

	// Use a real in-memory stream.
	f, err := os.CreateTemp(dir, "src-*.mp3")
	require.NoError(t, err)
	_, err = f.WriteString("mp3bytes")
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	p.client = &stubPolly{out: &polly.SynthesizeSpeechOutput{AudioStream: f}}

	name, err := p.Synthesize(context.Background(), "hello, Sir")
	require.NoError(t, err)
	assert.Equal(t, "tts_3000.mp3", name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "mp3bytes", string(data))
}

func TestPollyErrorNormalization(t *testing.T) {
	p := NewPolly(config.SpeechConfig{OutputDir: t.TempDir()})
	p.client = &stubPolly{err: errors.New("dial tcp: no route")}

	_, err := p.Synthesize(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport error")
}
