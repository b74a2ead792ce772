package server

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"strings"

	_ "image/gif" // register gif
	_ "image/png" // register png

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

const (
	modalityText       = "text"
	modalityImage      = "image"
	modalityVoice      = "voice"
	modalityScreenshot = "screenshot"
)

const (
	maxImageDimension = 1024
	imageJPEGQuality  = 85
)

// normalizedInput is the canonical form every modality reduces to before
// the context builder and generator run. DisplayText is what the user's
// turn shows in the transcript; Analysis carries the vision description for
// image/screenshot turns and the transcript doubles as DisplayText for
// voice.
type normalizedInput struct {
	Modality      string
	DisplayText   string
	Analysis      string
	Transcription string
}

func normalizeTextInput(message string) (normalizedInput, *chatHTTPError) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return normalizedInput{}, &chatHTTPError{Status: http.StatusBadRequest, Detail: "Message is required"}
	}
	return normalizedInput{Modality: modalityText, DisplayText: trimmed}, nil
}

func (a *App) normalizeImageInput(ctx context.Context, data []byte, modality string) (normalizedInput, *chatHTTPError) {
	optimized, err := downscaleJPEG(data)
	if err != nil {
		return normalizedInput{}, &chatHTTPError{Status: http.StatusUnsupportedMediaType, Detail: "Unsupported or corrupt image file"}
	}

	instruction := imageAnalysisInstruction
	maxTokens := imageAnalysisMaxTokens
	displayText := "Image uploaded"
	if modality == modalityScreenshot {
		instruction = screenshotAnalysisInstruction
		maxTokens = screenshotAnalysisMaxTokens
		displayText = "Screenshot uploaded"
	}

	analysis, err := a.ai.AnalyzeImage(ctx, optimized, instruction, maxTokens)
	if err != nil {
		logrus.Errorf("vision analysis failed modality=%s err=%v", modality, err)
		return normalizedInput{}, upstreamUnavailableError()
	}

	return normalizedInput{
		Modality:    modality,
		DisplayText: displayText,
		Analysis:    analysis,
	}, nil
}

func (a *App) normalizeVoiceInput(ctx context.Context, data []byte, filename, language string) (normalizedInput, *chatHTTPError) {
	transcript, err := a.ai.Transcribe(ctx, data, filename, language)
	if err != nil {
		logrus.Errorf("voice transcription failed err=%v", err)
		return normalizedInput{}, upstreamUnavailableError()
	}

	// An empty transcript is a valid low-information turn; it proceeds to
	// generation rather than being rejected.
	return normalizedInput{
		Modality:      modalityVoice,
		DisplayText:   transcript,
		Transcription: transcript,
	}, nil
}

// downscaleJPEG decodes the upload, scales it to fit within
// maxImageDimension on both axes preserving aspect ratio (never enlarging),
// and re-encodes as JPEG at fixed quality.
func downscaleJPEG(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	width, height := fitWithin(bounds.Dx(), bounds.Dy(), maxImageDimension)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: imageJPEGQuality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func fitWithin(width, height, limit int) (int, int) {
	if width <= 0 || height <= 0 {
		return 1, 1
	}
	if width <= limit && height <= limit {
		return width, height
	}
	if width >= height {
		scaled := height * limit / width
		if scaled < 1 {
			scaled = 1
		}
		return limit, scaled
	}
	scaled := width * limit / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, limit
}
