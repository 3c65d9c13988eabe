package litecomics

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// maxStderrExcerpt bounds how much tool stderr is carried into an error message.
const maxStderrExcerpt = 512

// toolWaitDelay bounds how long Wait blocks on output pipes held open by a tool's
// children once the tool itself has exited or been killed.
const toolWaitDelay = time.Second

// toolError reports a non-zero exit from an external archive tool.
type toolError struct {
	tool   string
	err    error
	stderr string
}

func (e *toolError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("%s: %v", e.tool, e.err)
	}
	return fmt.Sprintf("%s: %v: %s", e.tool, e.err, e.stderr)
}

func (e *toolError) Unwrap() error { return e.err }

// runTool runs bin with args and returns its standard output. Output beyond limit bytes
// (limit > 0) kills the process and fails with ErrEntryTooLarge.
func runTool(ctx context.Context, bin string, args []string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	//nolint:gosec // G204: binary is operator-configured; archive and entry are passed as arguments
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = toolWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxStderrExcerpt}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bin, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", bin, err)
	}

	var out []byte
	var readErr error
	if limit > 0 {
		out, readErr = io.ReadAll(io.LimitReader(stdout, limit+1))
		if readErr == nil && int64(len(out)) > limit {
			cancel()
			_ = cmd.Wait()
			return nil, ErrEntryTooLarge
		}
	} else {
		out, readErr = io.ReadAll(stdout)
	}

	waitErr := cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The tool exited cleanly; only a leftover child still held a pipe.
		waitErr = nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("%s: read output: %w", bin, readErr)
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &toolError{tool: bin, err: waitErr, stderr: strings.TrimSpace(stderr.String())}
	}
	return out, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// unrarReader lists and extracts RAR archives with the unrar command-line tool.
type unrarReader struct {
	bin      string
	maxBytes int64
}

// NewUnrarReader constructs the external-tool RAR ArchiveReader.
func NewUnrarReader(bin string, maxBytes int64) ArchiveReader {
	return &unrarReader{bin: bin, maxBytes: maxBytes}
}

func (u *unrarReader) List(ctx context.Context, archivePath string) ([]string, error) {
	out, err := runTool(ctx, u.bin, []string{"lb", "-p-", archivePath}, 0)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: err}
	}
	return parseUnrarBare(out), nil
}

func (u *unrarReader) Extract(ctx context.Context, archivePath, entry string) ([]byte, error) {
	out, err := runTool(ctx, u.bin, []string{"p", "-inul", "-p-", archivePath, entry}, u.maxBytes)
	return checkToolExtract(ctx, u, archivePath, entry, out, err)
}

// parseUnrarBare parses `unrar lb` output: one entry name per line.
func parseUnrarBare(out []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}

// sevenZipReader lists and extracts 7z archives with the 7z command-line tool.
type sevenZipReader struct {
	bin      string
	maxBytes int64
}

// NewSevenZipReader constructs the external-tool 7z ArchiveReader.
func NewSevenZipReader(bin string, maxBytes int64) ArchiveReader {
	return &sevenZipReader{bin: bin, maxBytes: maxBytes}
}

func (s *sevenZipReader) List(ctx context.Context, archivePath string) ([]string, error) {
	out, err := runTool(ctx, s.bin, []string{"l", "-slt", "-p", archivePath}, 0)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: err}
	}
	names, err := parseSevenZipSlt(out)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: err}
	}
	return names, nil
}

func (s *sevenZipReader) Extract(ctx context.Context, archivePath, entry string) ([]byte, error) {
	out, err := runTool(ctx, s.bin, []string{"e", "-so", "-spd", "-p", archivePath, entry}, s.maxBytes)
	return checkToolExtract(ctx, s, archivePath, entry, out, err)
}

var errUnparsableListing = errors.New("unrecognized 7z listing output")

// parseSevenZipSlt parses `7z l -slt` output. Entry blocks follow a "----------" line and
// are separated by blank lines; directories carry "Folder = +" or a "D" attribute.
func parseSevenZipSlt(out []byte) ([]string, error) {
	var (
		names     []string
		inEntries bool
		current   string
		have      bool
		isDir     bool
	)
	flush := func() {
		if have && !isDir && current != "" {
			names = append(names, current)
		}
		current, have, isDir = "", false, false
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !inEntries {
			if strings.HasPrefix(line, "----------") {
				inEntries = true
			}
			continue
		}
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		switch key {
		case "Path":
			flush()
			current, have = value, true
		case "Folder":
			isDir = value == "+"
		case "Attributes":
			if strings.HasPrefix(value, "D") {
				isDir = true
			}
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !inEntries && !bytes.Contains(out, []byte("Listing archive:")) {
		return nil, errUnparsableListing
	}
	return names, nil
}

// checkToolExtract turns a tool extraction result into the ArchiveReader contract. A
// failed or empty extraction is checked against a fresh listing so a missing entry is
// reported as ErrNotFound rather than a tool failure.
func checkToolExtract(ctx context.Context, r ArchiveReader, archivePath, entry string, out []byte, err error) ([]byte, error) {
	if errors.Is(err, ErrEntryTooLarge) || (err != nil && ctx.Err() != nil) {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
	}
	if err == nil && len(out) > 0 {
		return out, nil
	}

	names, lerr := r.List(ctx, archivePath)
	if lerr == nil && !slices.Contains(names, entry) {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
	}
	return out, nil
}
