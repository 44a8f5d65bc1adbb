package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"coachline/internal/transcoder"
)

const thumbnailWidth = 640

// transcodePlan is the ordered list of ffmpeg invocations for one job. All
// outputs land under outputDir using the layout the API copies into the
// delivery bucket.
type transcodePlan struct {
	steps     [][]string
	outputDir string
	master    string
}

func buildTranscodePlan(input, outputDir string, spec transcoder.JobSpec, hasAudio bool) (*transcodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(spec.Renditions) == 0 {
		return nil, fmt.Errorf("at least one rendition is required")
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	manifest := spec.Manifest
	if manifest == "" {
		manifest = transcoder.MasterManifest
	}
	names := variantNames(spec.Renditions)
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(absDir, name), 0o755); err != nil {
			return nil, err
		}
	}

	plan := &transcodePlan{
		outputDir: absDir,
		master:    filepath.ToSlash(filepath.Join(absDir, manifest)),
	}
	plan.steps = append(plan.steps, hlsArgs(input, absDir, manifest, spec, names, hasAudio))
	for _, r := range spec.Renditions {
		if r.MP4FileName == "" {
			continue
		}
		plan.steps = append(plan.steps, mp4Args(input, filepath.Join(absDir, r.MP4FileName), r, spec, hasAudio))
	}
	if spec.ThumbnailCount > 0 {
		plan.steps = append(plan.steps, thumbnailArgs(input, absDir, spec.ThumbnailCount))
	}
	return plan, nil
}

// hlsArgs encodes the whole ladder in one pass, splitting the decoded video
// once per rendition.
func hlsArgs(input, dir, manifest string, spec transcoder.JobSpec, names []string, hasAudio bool) []string {
	n := len(spec.Renditions)
	var filter strings.Builder
	fmt.Fprintf(&filter, "[0:v]split=%d", n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&filter, "[v%d]", i)
	}
	for i, r := range spec.Renditions {
		fmt.Fprintf(&filter, ";[v%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2[v%dout]",
			i, r.Width, r.Height, r.Width, r.Height, i)
	}

	args := []string{"-y", "-i", input, "-filter_complex", filter.String()}
	streamMap := make([]string, 0, n)
	for i, r := range spec.Renditions {
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), strconv.Itoa(r.BitrateBps),
			fmt.Sprintf("-maxrate:v:%d", i), strconv.Itoa(r.BitrateBps*107/100),
			fmt.Sprintf("-bufsize:v:%d", i), strconv.Itoa(r.BitrateBps*3/2),
		)
		if r.FrameRate > 0 {
			args = append(args, fmt.Sprintf("-r:v:%d", i), strconv.Itoa(r.FrameRate))
		}
		entry := fmt.Sprintf("v:%d", i)
		if hasAudio {
			args = append(args, "-map", "0:a:0")
			entry += fmt.Sprintf(",a:%d", i)
		}
		streamMap = append(streamMap, entry+",name:"+names[i])
	}
	if hasAudio {
		args = append(args, audioArgs(spec)...)
	}

	segment := spec.SegmentDuration
	if segment <= 0 {
		segment = 6 * time.Second
	}
	gop := 30
	if spec.Renditions[0].FrameRate > 0 {
		gop = spec.Renditions[0].FrameRate
	}
	gop *= int(segment / time.Second)
	if gop <= 0 {
		gop = 30
	}
	args = append(args,
		"-preset", "veryfast",
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", strconv.Itoa(int(segment/time.Second)),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-master_pl_name", manifest,
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(dir, "%v", "segment_%05d.ts")),
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.ToSlash(filepath.Join(dir, "%v", "index.m3u8")),
	)
	return args
}

func mp4Args(input, output string, r transcoder.Rendition, spec transcoder.JobSpec, hasAudio bool) []string {
	args := []string{
		"-y", "-i", input,
		"-vf", fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", r.Width, r.Height, r.Width, r.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", strconv.Itoa(r.BitrateBps),
	}
	if r.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(r.FrameRate))
	}
	if hasAudio {
		args = append(args, audioArgs(spec)...)
	} else {
		args = append(args, "-an")
	}
	return append(args, "-movflags", "+faststart", filepath.ToSlash(output))
}

func thumbnailArgs(input, dir string, count int) []string {
	return []string{
		"-y", "-i", input,
		"-vf", fmt.Sprintf("thumbnail=300,scale=%d:-2", thumbnailWidth),
		"-frames:v", strconv.Itoa(count),
		"-vsync", "vfr",
		filepath.ToSlash(filepath.Join(dir, "thumbnail-%02d.jpg")),
	}
}

func audioArgs(spec transcoder.JobSpec) []string {
	codec := spec.AudioCodec
	if codec == "" {
		codec = "aac"
	}
	bitrate := spec.AudioBitrateBps
	if bitrate <= 0 {
		bitrate = 128_000
	}
	return []string{"-c:a", codec, "-b:a", strconv.Itoa(bitrate)}
}

// variantNames returns unique directory names for each rendition.
func variantNames(ladder []transcoder.Rendition) []string {
	used := make(map[string]int)
	names := make([]string, len(ladder))
	for idx, r := range ladder {
		base := sanitizeName(r.Name)
		if base == "" {
			base = fmt.Sprintf("variant-%d", idx)
		}
		count := used[base]
		name := base
		if count > 0 {
			name = fmt.Sprintf("%s-%d", base, count)
		}
		used[base] = count + 1
		names[idx] = name
	}
	return names
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "variant"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "variant"
	}
	return b.String()
}
