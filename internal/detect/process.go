package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrProcessFailed matches every *ProcessError.
var ErrProcessFailed = errors.New("detection process failed")

// ErrBadObjects is returned by ParseLine when detectedObjects is not an
// array. The rest of the message is still usable.
var ErrBadObjects = errors.New("detectedObjects is not an array")

// Update is one progress report forwarded while the process runs.
type Update struct {
	Progress float64
	Message  string
}

// Outcome is what a successful run reported.
type Outcome struct {
	DetectedObjects []any
	Lines           int
	Malformed       int
}

// Detector runs object detection on a stored video.
type Detector interface {
	Detect(ctx context.Context, inputPath string, onProgress func(Update)) (Outcome, error)
}

// ProcessError describes a failed detection run: the process did not start,
// exited non-zero, timed out, or its output stream broke.
type ProcessError struct {
	Op       string
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *ProcessError) Error() string {
	if e == nil {
		return ""
	}
	if e.ExitCode > 0 {
		return fmt.Sprintf("detect %s: %v (exit=%d)", e.Op, e.Err, e.ExitCode)
	}
	return fmt.Sprintf("detect %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ProcessError) Is(target error) bool {
	return target == ErrProcessFailed
}

// Options configures the external detection command. The input path is
// appended as the last argument.
type Options struct {
	Command      string
	Args         []string
	Dir          string
	Env          []string
	Timeout      time.Duration
	MaxLineBytes int
}

const stderrTail = 20

// Process runs the detection script as a subprocess and reads its
// line-oriented JSON progress protocol from stdout.
type Process struct {
	opts Options
	log  zerolog.Logger
}

func NewProcess(opts Options, log zerolog.Logger) (*Process, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 1 << 20
	}
	return &Process{
		opts: opts,
		log:  log.With().Str("component", "detector").Logger(),
	}, nil
}

func (p *Process) Detect(ctx context.Context, inputPath string, onProgress func(Update)) (Outcome, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, p.opts.Args...), inputPath)
	cmd := exec.CommandContext(ctx, p.opts.Command, args...)
	cmd.Dir = p.opts.Dir
	if len(p.opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.opts.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, &ProcessError{Op: "start", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, &ProcessError{Op: "start", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, &ProcessError{Op: "start", Err: err}
	}

	// a killed script can leave children holding the pipes open
	stop := context.AfterFunc(ctx, func() {
		_ = stdout.Close()
		_ = stderr.Close()
	})
	defer stop()

	log := p.log.With().Int("pid", cmd.Process.Pid).Str("input", inputPath).Logger()
	log.Info().Str("command", p.opts.Command).Strs("args", args).Msg("detection process started")

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tail = logStderr(stderr, log)
	}()

	out, readErr := p.readResults(stdout, onProgress, log)
	if readErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return out, &ProcessError{Op: "wait", ExitCode: exitCode(waitErr), Stderr: tail, Err: ctx.Err()}
	case waitErr != nil:
		return out, &ProcessError{Op: "wait", ExitCode: exitCode(waitErr), Stderr: tail, Err: waitErr}
	case readErr != nil:
		return out, &ProcessError{Op: "read", Stderr: tail, Err: readErr}
	}

	log.Info().
		Int("lines", out.Lines).
		Int("malformed", out.Malformed).
		Int("detected_objects", len(out.DetectedObjects)).
		Msg("detection process exited cleanly")
	return out, nil
}

// readResults consumes stdout until EOF. Malformed lines are logged and skipped.
func (p *Process) readResults(r io.Reader, onProgress func(Update), log zerolog.Logger) (Outcome, error) {
	var out Outcome
	scanner := bufio.NewScanner(r)
	// the scanner's limit is the larger of max and cap(buf)
	scanner.Buffer(make([]byte, 0, min(64*1024, p.opts.MaxLineBytes)), p.opts.MaxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out.Lines++

		msg, err := ParseLine(line)
		if errors.Is(err, ErrBadObjects) {
			log.Warn().Str("line", truncate(line, 200)).Msg("ignoring detectedObjects that is not an array")
		} else if err != nil {
			out.Malformed++
			log.Warn().Err(err).Str("line", truncate(line, 200)).Msg("ignoring malformed detector output")
			continue
		}
		log.Debug().Str("line", truncate(line, 200)).Msg("detector message")

		if msg.Progress != nil && onProgress != nil {
			onProgress(Update{Progress: *msg.Progress, Message: msg.Message})
		}
		if msg.DetectedObjects != nil {
			out.DetectedObjects = msg.DetectedObjects
		}
	}
	return out, scanner.Err()
}

// Message is one stdout line of the detector protocol. DetectedObjects holds
// the descriptors exactly as the script emitted them (strings or objects).
type Message struct {
	Progress        *float64
	Message         string
	DetectedObjects []any
}

type wireMessage struct {
	Progress        *float64        `json:"progress"`
	Message         string          `json:"message"`
	DetectedObjects json.RawMessage `json:"detectedObjects"`
}

// ParseLine decodes one protocol line. The line must be a JSON object.
// Descriptors are decoded separately so a bad detectedObjects value never
// hides the progress of the same line.
func ParseLine(line string) (Message, error) {
	var wire wireMessage
	dec := json.NewDecoder(strings.NewReader(line))
	if err := dec.Decode(&wire); err != nil {
		return Message{}, err
	}
	if dec.More() {
		return Message{}, fmt.Errorf("trailing data after JSON object")
	}

	msg := Message{Progress: wire.Progress, Message: wire.Message}
	if len(wire.DetectedObjects) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(wire.DetectedObjects, &msg.DetectedObjects); err != nil {
		msg.DetectedObjects = nil
		return msg, fmt.Errorf("%w: %v", ErrBadObjects, err)
	}
	return msg, nil
}

// logStderr logs each stderr line, mapping Python-style level markers onto
// zerolog levels, and returns the last few lines.
func logStderr(r io.Reader, log zerolog.Logger) []string {
	var tail []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch {
		case containsAny(line, "ERROR", "CRITICAL", "Traceback"):
			log.Error().Str("log", line).Msg("detector stderr")
		case containsAny(line, "WARNING", "WARN"):
			log.Warn().Str("log", line).Msg("detector stderr")
		default:
			log.Info().Str("log", line).Msg("detector stderr")
		}
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("error reading detector stderr")
		_, _ = io.Copy(io.Discard, r)
	}
	return tail
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
