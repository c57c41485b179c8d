package logs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const followInterval = 250 * time.Millisecond

// TailOptions selects which part of a log to read.
type TailOptions struct {
	// Offset is the byte position to resume from; negative means the end of
	// the file minus Limit lines.
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
}

// TailResult carries lines read and the offset to resume from.
type TailResult struct {
	Lines    []string `json:"lines"`
	Offset   int64    `json:"offset"`
	Progress *float64 `json:"progress,omitempty"`
}

// Tail reads path according to opts. A missing file yields an empty result
// so callers can poll a log before the job creates it.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}

	var res TailResult
	if opts.Offset < 0 {
		res, err = readLast(path, opts.Limit)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			offset = info.Size()
		}
		res, err = readFrom(path, offset)
	}
	if err != nil {
		return res, err
	}
	if opts.Follow && opts.Wait > 0 && len(res.Lines) == 0 {
		res, err = follow(ctx, path, res.Offset, opts.Wait)
	}
	res.Progress = lastProgress(res.Lines)
	return res, err
}

func readLast(path string, limit int) (TailResult, error) {
	if limit <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return TailResult{}, fmt.Errorf("stat log file: %w", err)
		}
		return TailResult{Offset: info.Size()}, nil
	}
	res, err := readFrom(path, 0)
	if err != nil {
		return res, err
	}
	if len(res.Lines) > limit {
		res.Lines = res.Lines[len(res.Lines)-limit:]
	}
	return res, nil
}

func readFrom(path string, offset int64) (TailResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return TailResult{Offset: offset}, fmt.Errorf("seek log file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanTerminatedLines)

	res := TailResult{Offset: offset}
	for scanner.Scan() {
		res.Offset += int64(len(scanner.Bytes())) + 1
		if line := scanner.Text(); line != "" {
			res.Lines = append(res.Lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read log file: %w", err)
	}
	return res, nil
}

// scanTerminatedLines splits on '\r' or '\n' and holds back a trailing
// partial line so the returned offset never points into the middle of one.
func scanTerminatedLines(data []byte, _ bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}

func follow(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		res, err := readFrom(path, offset)
		if err != nil || len(res.Lines) > 0 || time.Now().After(deadline) {
			return res, err
		}
		offset = res.Offset
		select {
		case <-ctx.Done():
			return TailResult{Offset: offset}, ctx.Err()
		case <-ticker.C:
		}
	}
}
