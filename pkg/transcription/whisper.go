// Package transcription turns voice notes into text.
package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultModel = "whisper-1"
	providerName = "openai-whisper"
)

// ErrUnavailable is returned when no API key is configured.
var ErrUnavailable = errors.New("transcription is not configured")

// Result is a finished transcription.
type Result struct {
	Text            string
	Provider        string
	DurationSeconds *float64
}

// Config configures the Whisper client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Service transcribes audio through the OpenAI audio API.
type Service struct {
	client    openai.Client
	model     string
	available bool
	logger    zerolog.Logger
}

// New creates a Service. Without an API key the service reports itself
// unavailable and Transcribe returns ErrUnavailable.
func New(cfg Config, logger zerolog.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Service{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		available: cfg.APIKey != "",
		logger:    logger.With().Str("component", "transcription").Logger(),
	}
}

// IsAvailable reports whether Transcribe can be called.
func (s *Service) IsAvailable() bool {
	return s != nil && s.available
}

// Transcribe converts audio to text.
func (s *Service) Transcribe(ctx context.Context, data []byte, mimeType, filename string) (*Result, error) {
	if !s.IsAvailable() {
		return nil, ErrUnavailable
	}
	if len(data) == 0 {
		return nil, errors.New("audio is empty")
	}
	if filename == "" {
		filename = "audio" + extensionFor(mimeType)
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model:          openai.AudioModel(s.model),
		File:           openai.File(bytes.NewReader(data), filename, mimeType),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}

	result := &Result{
		Text:     strings.TrimSpace(resp.Text),
		Provider: providerName,
	}
	if d := gjson.Get(resp.RawJSON(), "duration"); d.Exists() && d.Type == gjson.Number {
		seconds := d.Float()
		result.DurationSeconds = &seconds
	}

	s.logger.Debug().
		Int("bytes", len(data)).
		Int("chars", len(result.Text)).
		Msg("Audio transcribed")
	return result, nil
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}
