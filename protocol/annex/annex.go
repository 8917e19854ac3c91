// Package annex speaks the git-annex external special remote protocol
// (version 1) on behalf of the tarmount engine.
//
// git-annex writes one request per line on the remote's stdin and reads
// replies from its stdout. The remote asks for its configuration with
// GETCONFIG while handling INITREMOTE and PREPARE.
package annex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wolfeidau/annex-tarmount/remote"
)

// ProtocolVersion is announced when the conversation starts.
const ProtocolVersion = 1

// Configuration names stored by git-annex for the remote.
const (
	ConfigDirectory     = "directory"
	ConfigAddressLength = "address_length"
)

var (
	// ErrProtocol is returned when git-annex sends something unparsable
	// where a specific reply was expected.
	ErrProtocol = errors.New("protocol error")

	// ErrAnnex is returned when git-annex reports a fatal ERROR.
	ErrAnnex = errors.New("git-annex reported an error")

	errNotPrepared = errors.New("remote is not prepared")
)

// Handler serves one protocol conversation.
type Handler struct {
	in         *bufio.Reader
	out        *bufio.Writer
	remoteOpts []remote.Option
	logger     *slog.Logger

	engine *remote.Engine
}

// Option configures a Handler.
type Option func(*Handler)

// WithRemoteOptions passes options to remote.Initialize and remote.Prepare.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(h *Handler) {
		h.remoteOpts = append(h.remoteOpts, opts...)
	}
}

// WithLogger sets the logger. It must not write to the protocol stream.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler reading requests from r and writing replies
// to w.
func NewHandler(r io.Reader, w io.Writer, opts ...Option) *Handler {
	h := &Handler{
		in:     bufio.NewReader(r),
		out:    bufio.NewWriter(w),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the conversation until git-annex closes the input or reports
// an error. Buckets mounted during the session are unmounted before it
// returns.
func (h *Handler) Serve(ctx context.Context) (err error) {
	defer func() {
		if h.engine == nil {
			return
		}
		if closeErr := h.engine.Close(ctx); closeErr != nil {
			h.logger.WarnContext(ctx, "failed to release mounts", "error", closeErr)
			err = errors.Join(err, closeErr)
		}
	}()

	if err := h.send("VERSION", strconv.Itoa(ProtocolVersion)); err != nil {
		return err
	}

	for {
		line, err := h.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if err := h.dispatch(ctx, line); err != nil {
			return err
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	h.logger.DebugContext(ctx, "request", "command", cmd)

	switch cmd {
	case "EXTENSIONS":
		return h.send("EXTENSIONS")
	case "INITREMOTE":
		return h.initRemote(ctx)
	case "PREPARE":
		return h.prepare(ctx)
	case "TRANSFER":
		return h.transfer(ctx, rest)
	case "CHECKPRESENT":
		return h.checkPresent(ctx, rest)
	case "REMOVE":
		return h.remove(ctx, rest)
	case "GETAVAILABILITY":
		return h.send("AVAILABILITY", strings.ToUpper(remote.Availability))
	case "LISTCONFIGS":
		return h.listConfigs()
	case "ERROR":
		h.logger.ErrorContext(ctx, "git-annex reported an error", "message", rest)
		return fmt.Errorf("%w: %s", ErrAnnex, rest)
	default:
		return h.send("UNSUPPORTED-REQUEST")
	}
}

func (h *Handler) initRemote(ctx context.Context) error {
	cfg, err := h.readConfig()
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return err
		}
		return h.send("INITREMOTE-FAILURE", message(err))
	}

	if err := remote.Initialize(ctx, cfg, h.remoteOpts...); err != nil {
		return h.send("INITREMOTE-FAILURE", message(err))
	}
	// Persist the effective length so later sessions shard identically.
	if err := h.send("SETCONFIG", ConfigAddressLength, strconv.Itoa(cfg.AddressLength)); err != nil {
		return err
	}
	return h.send("INITREMOTE-SUCCESS")
}

func (h *Handler) prepare(ctx context.Context) error {
	cfg, err := h.readConfig()
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return err
		}
		return h.send("PREPARE-FAILURE", message(err))
	}

	engine, err := remote.Prepare(ctx, cfg, h.remoteOpts...)
	if err != nil {
		return h.send("PREPARE-FAILURE", message(err))
	}
	if h.engine != nil {
		if err := h.engine.Close(ctx); err != nil {
			h.logger.WarnContext(ctx, "failed to release mounts of previous session", "error", err)
		}
	}
	h.engine = engine
	return h.send("PREPARE-SUCCESS")
}

// transfer handles "STORE|RETRIEVE key file". The file is the rest of the
// line and may contain spaces.
func (h *Handler) transfer(ctx context.Context, args string) error {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return h.send("UNSUPPORTED-REQUEST")
	}
	direction, key, file := parts[0], parts[1], parts[2]

	var run func(context.Context, string, string) error
	switch direction {
	case "STORE":
		if h.engine != nil {
			run = h.engine.Store
		}
	case "RETRIEVE":
		if h.engine != nil {
			run = h.engine.Retrieve
		}
	default:
		return h.send("UNSUPPORTED-REQUEST")
	}

	if run == nil {
		return h.send("TRANSFER-FAILURE", direction, key, message(errNotPrepared))
	}
	if err := run(ctx, key, file); err != nil {
		return h.send("TRANSFER-FAILURE", direction, key, message(err))
	}
	return h.send("TRANSFER-SUCCESS", direction, key)
}

func (h *Handler) checkPresent(ctx context.Context, key string) error {
	if key == "" {
		return h.send("UNSUPPORTED-REQUEST")
	}
	if h.engine == nil {
		return h.send("CHECKPRESENT-UNKNOWN", key, message(errNotPrepared))
	}

	present, err := h.engine.CheckPresent(ctx, key)
	switch {
	case err != nil:
		return h.send("CHECKPRESENT-UNKNOWN", key, message(err))
	case present:
		return h.send("CHECKPRESENT-SUCCESS", key)
	default:
		return h.send("CHECKPRESENT-FAILURE", key)
	}
}

func (h *Handler) remove(ctx context.Context, key string) error {
	if key == "" {
		return h.send("UNSUPPORTED-REQUEST")
	}
	if h.engine == nil {
		return h.send("REMOVE-FAILURE", key, message(errNotPrepared))
	}
	if err := h.engine.Remove(ctx, key); err != nil {
		return h.send("REMOVE-FAILURE", key, message(err))
	}
	return h.send("REMOVE-SUCCESS", key)
}

func (h *Handler) listConfigs() error {
	if err := h.send("CONFIG", ConfigDirectory, "root directory holding the bucket archives and mount points"); err != nil {
		return err
	}
	if err := h.send("CONFIG", ConfigAddressLength, "checksum characters used to pick a bucket (1 or 2, default 1)"); err != nil {
		return err
	}
	return h.send("CONFIGEND")
}

// readConfig asks git-annex for the remote's settings. Errors other than
// ErrProtocol describe an invalid setting and are reported to git-annex.
func (h *Handler) readConfig() (remote.Config, error) {
	dir, err := h.getConfig(ConfigDirectory)
	if err != nil {
		return remote.Config{}, err
	}
	rawLength, err := h.getConfig(ConfigAddressLength)
	if err != nil {
		return remote.Config{}, err
	}

	length := remote.DefaultAddressLength
	if rawLength != "" {
		length, err = strconv.Atoi(rawLength)
		if err != nil {
			return remote.Config{}, fmt.Errorf("%w: address_length %q is not a number", remote.ErrConfiguration, rawLength)
		}
	}
	return remote.Config{Directory: dir, AddressLength: length}, nil
}

func (h *Handler) getConfig(name string) (string, error) {
	if err := h.send("GETCONFIG", name); err != nil {
		return "", err
	}
	line, err := h.readLine()
	if err != nil {
		return "", fmt.Errorf("%w: reading value of %s: %w", ErrProtocol, name, err)
	}
	if line == "VALUE" {
		return "", nil
	}
	value, ok := strings.CutPrefix(line, "VALUE ")
	if !ok {
		return "", fmt.Errorf("%w: expected VALUE for %s, got %q", ErrProtocol, name, line)
	}
	return value, nil
}

func (h *Handler) readLine() (string, error) {
	line, err := h.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (h *Handler) send(fields ...string) error {
	if _, err := h.out.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	if err := h.out.Flush(); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// message flattens err onto one protocol line.
func message(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
