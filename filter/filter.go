// Package filter classifies attachments as audio or video by filename
// extension.
package filter

import (
	"fmt"
	"strings"

	"github.com/dhcgn/mailscribe/model"
)

const (
	DefaultAudioFormats = "mp3,wav,m4a,aac,flac"
	DefaultVideoFormats = "mp4,avi,mov,mkv,wmv"
)

// Options captures the classifier configuration as comma-separated
// extension lists.
type Options struct {
	AudioFormats string
	VideoFormats string
}

// Classifier holds the extension sets built once from Options.
type Classifier struct {
	audio map[string]struct{}
	video map[string]struct{}
}

// New creates a Classifier from the provided options. Empty lists fall back
// to the defaults.
func New(opts Options) (*Classifier, error) {
	if strings.TrimSpace(opts.AudioFormats) == "" {
		opts.AudioFormats = DefaultAudioFormats
	}
	if strings.TrimSpace(opts.VideoFormats) == "" {
		opts.VideoFormats = DefaultVideoFormats
	}

	audio, err := compileFormats(opts.AudioFormats)
	if err != nil {
		return nil, fmt.Errorf("compile audio formats: %w", err)
	}
	video, err := compileFormats(opts.VideoFormats)
	if err != nil {
		return nil, fmt.Errorf("compile video formats: %w", err)
	}

	return &Classifier{audio: audio, video: video}, nil
}

// IsAudioVideo reports whether filename has one of the configured audio or
// video extensions. Matching is case-insensitive on the text after the last
// dot.
func (c *Classifier) IsAudioVideo(filename string) bool {
	ext := Extension(filename)
	if ext == "" {
		return false
	}
	if _, ok := c.audio[ext]; ok {
		return true
	}
	_, ok := c.video[ext]
	return ok
}

// HasAnyAudioVideo returns true as soon as one attachment classifies.
func (c *Classifier) HasAnyAudioVideo(attachments []model.Attachment) bool {
	for _, a := range attachments {
		if c.IsAudioVideo(a.Filename) {
			return true
		}
	}
	return false
}

// Mark sets the AudioVideo flag on every attachment and returns how many
// classified.
func (c *Classifier) Mark(attachments []model.Attachment) int {
	n := 0
	for i := range attachments {
		attachments[i].AudioVideo = c.IsAudioVideo(attachments[i].Filename)
		if attachments[i].AudioVideo {
			n++
		}
	}
	return n
}

// Extension returns the lowercased text after the last dot of filename, or
// "" when there is none.
func Extension(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(filename[idx+1:]))
}

func compileFormats(list string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for _, f := range strings.Split(list, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		f = strings.TrimPrefix(f, ".")
		if f == "" {
			continue
		}
		if strings.ContainsAny(f, "./\\ ") {
			return nil, fmt.Errorf("invalid extension %q", f)
		}
		set[f] = struct{}{}
	}
	return set, nil
}
