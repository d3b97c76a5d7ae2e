package decompress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
)

// maxStderr bounds how much of the program's stderr is kept for error messages.
const maxStderr = 4096

// Command runs an external program that reads stored bytes on stdin and writes raw bytes on stdout.
type Command struct {
	// path is the program location.
	path string
	// args are passed to the program.
	args []string
}

// NewCommand returns a Decompressor running the program at path with args.
func NewCommand(path string, args ...string) *Command {
	return &Command{
		path: filepath.Clean(path),
		args: args,
	}
}

// Name returns the program base name.
func (c *Command) Name() string {
	return filepath.Base(c.path)
}

// Decompress starts the program with in as its stdin.
// A non-zero exit is reported by Read once stdout is drained, never as a clean EOF.
func (c *Command) Decompress(ctx context.Context, in io.Reader) (io.ReadCloser, error) {
	//nolint:gosec // The program comes from the verified update archive.
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = in

	stderr := &limitedBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Name(), err)
	}

	return &commandReader{
		cmd:    cmd,
		name:   c.Name(),
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// commandReader reads the program's stdout and reaps it at end of stream.
type commandReader struct {
	cmd     *exec.Cmd
	name    string
	stdout  io.ReadCloser
	stderr  *limitedBuffer
	waited  bool
	waitErr error
}

// Read implements io.Reader.
func (r *commandReader) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if waitErr := r.wait(); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// Close stops reading and reaps the program.
func (r *commandReader) Close() error {
	if r.waited {
		return r.waitErr
	}

	// Closing our end first unblocks a program still writing.
	_ = r.stdout.Close()

	return r.wait()
}

func (r *commandReader) wait() error {
	if r.waited {
		return r.waitErr
	}

	r.waited = true

	if err := r.cmd.Wait(); err != nil {
		r.waitErr = fmt.Errorf("%s failed: %w: %s", r.name, err, strings.TrimSpace(r.stderr.String()))
	}

	return r.waitErr
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

// Write implements io.Writer and never fails, so the program is not blocked on stderr.
func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}

	return len(p), nil
}

// String returns the captured output.
func (b *limitedBuffer) String() string {
	return b.buf.String()
}
