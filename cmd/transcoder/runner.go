package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// commandRunner executes ffmpeg and ffprobe. Tests substitute a fake that
// writes the expected output files.
type commandRunner interface {
	Run(ctx context.Context, jobName, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, jobName, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = newLogWriter(r.logger, jobName, "stdout")
	cmd.Stderr = newLogWriter(r.logger, jobName, "stderr")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (r execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// probeAudio reports whether input carries an audio stream.
func probeAudio(ctx context.Context, runner commandRunner, input string) (bool, error) {
	out, err := runner.Output(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		input,
	)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// logWriter forwards process output line by line into the structured log.
type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger, jobName, stream string) *logWriter {
	return &logWriter{logger: logger.With("job", jobName, "stream", stream)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug(string(line))
	}
	return total, nil
}
