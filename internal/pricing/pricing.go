// Package pricing computes the credit cost of a video generation from
// its raw input parameters. Everything here is pure: the hold path and
// the finalize path both call RequiredCredits on the same stored input
// and must arrive at the same number.
package pricing

import (
	"math"
	"strings"
)

// Input is the raw generation request as submitted by the user. It is
// stored verbatim on the generation ledger entry so the cost can be
// recomputed at finalize time even when the hold record is missing.
type Input struct {
	Prompt          string `json:"prompt,omitempty"`
	Orientation     string `json:"orientation,omitempty"`
	Theme           string `json:"theme,omitempty"`
	Duration        int    `json:"duration,omitempty"`
	Language        string `json:"language,omitempty"`
	SpeechQuality   string `json:"speech_quality,omitempty"`
	GraphicsQuality string `json:"graphics_quality,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	DeliveryEmail   string `json:"delivery_email,omitempty"`
	VideoType       string `json:"video_type,omitempty"`
}

// BasePerMinute is the baseline credit cost of one minute of video.
const BasePerMinute = 40

var resolutionFactors = map[string]float64{
	"360p": 0.6,
	"sd":   1.0,
	"hd":   1.8,
}

// RequiredCredits returns ceil(base * duration * resolution * graphics
// * speech), floored at zero. Duration is clamped to a minimum of one
// minute. Factor keys match case-insensitively; an unrecognized
// resolution falls back to factor 1.0, an empty one to 360p.
func RequiredCredits(in Input) int {
	duration := in.Duration
	if duration < 1 {
		duration = 1
	}

	res := strings.ToLower(in.Resolution)
	if res == "" {
		res = "360p"
	}
	resFactor, ok := resolutionFactors[res]
	if !ok {
		resFactor = 1.0
	}

	graphicsFactor := 0.6
	if strings.EqualFold(in.GraphicsQuality, "high") {
		graphicsFactor = 1.4
	}

	var speechFactor float64
	switch strings.ToLower(in.SpeechQuality) {
	case "neural":
		speechFactor = 1.0
	case "high-ai":
		speechFactor = 1.6
	default:
		speechFactor = 0.6
	}

	raw := BasePerMinute * float64(duration) * resFactor * graphicsFactor * speechFactor
	n := int(math.Ceil(raw))
	if n < 0 {
		n = 0
	}
	return n
}

// FreeTier reports whether the input qualifies for a free-tier
// generation: at most one minute, 360p, low graphics, neural speech.
func FreeTier(in Input) bool {
	return in.Duration <= 1 &&
		strings.EqualFold(in.Resolution, "360p") &&
		strings.EqualFold(in.GraphicsQuality, "low") &&
		strings.EqualFold(in.SpeechQuality, "neural")
}
