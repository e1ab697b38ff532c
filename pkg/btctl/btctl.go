// Package btctl drives an interactive bluetoothctl session with goexpect.
// It is the fallback backend for hosts where the system bus is not reachable from the process but the
// bluetoothctl binary is.
package btctl

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	expect "github.com/google/goexpect"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCommand is the bluetoothctl binary spawned by New
	DefaultCommand = "bluetoothctl"
	// DefaultScanWindow is how long `scan on` runs before devices are listed
	DefaultScanWindow = 10 * time.Second
	// DefaultPollInterval is how often `show` is polled while listeners are registered
	DefaultPollInterval = 2 * time.Second

	commandTimeout = 5 * time.Second
)

// `version` is sent after every command; its reply marks the end of the command's output
var versionRe = regexp.MustCompile(`Version\s+\d+\.\d+`)

var errClosed = errors.New("btctl: closed")

// Expecter is the subset of *expect.GExpect the backend uses
type Expecter interface {
	Expect(re *regexp.Regexp, timeout time.Duration) (string, []string, error)
	Send(in string) error
	Close() error
}

// SpawnFunc starts an interactive session for command
type SpawnFunc func(command string) (Expecter, error)

// Options configures the backend
type Options struct {
	// Command defaults to DefaultCommand
	Command string
	// Controller is the controller address passed to `select`; empty uses the default controller
	Controller string
	// Consent is asked before `power on`; nil denies
	Consent pairing.Consent
	// Picker resolves the chooser built from discovery results
	Picker pairing.Picker
	// ScanWindow defaults to DefaultScanWindow
	ScanWindow time.Duration
	// PollInterval defaults to DefaultPollInterval
	PollInterval time.Duration
	// Spawn defaults to goexpect
	Spawn SpawnFunc
}

// Backend implements the pairing collaborators over one bluetoothctl session
type Backend struct {
	gexp       Expecter
	consent    pairing.Consent
	picker     pairing.Picker
	scanWindow time.Duration

	cmdMutex sync.Mutex
	// version markers still owed by commands whose Expect timed out (guarded by cmdMutex)
	stale    int

	listeners pairing.ListenerSet
	poller    *poller

	mutex  sync.Mutex
	closed bool
}

var _ pairing.AdapterService = &Backend{}
var _ pairing.DiscoveryService = &Backend{}
var _ pairing.BondingService = &Backend{}
var _ pairing.StateBroadcast = &Backend{}

func spawnGoexpect(command string) (Expecter, error) {
	gexp, _, err := expect.Spawn(command, -1,
		expect.CheckDuration(100*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	return gexp, nil
}

// New spawns bluetoothctl and selects the controller
func New(opts Options) (*Backend, error) {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Spawn == nil {
		opts.Spawn = spawnGoexpect
	}

	log.Infof("pkg btctl; starting %s", opts.Command)
	gexp, err := opts.Spawn(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", opts.Command, err)
	}

	b := &Backend{
		gexp:       gexp,
		consent:    opts.Consent,
		picker:     opts.Picker,
		scanWindow: opts.ScanWindow,
	}
	b.poller = newPoller(b, opts.PollInterval)

	if opts.Controller != "" {
		out, err := b.run("select " + opts.Controller)
		if err != nil {
			gexp.Close()
			return nil, err
		}
		if line, bad := failed(out); bad {
			gexp.Close()
			return nil, fmt.Errorf("btctl: select %s: %s", opts.Controller, line)
		}
	}
	return b, nil
}

// run sends one command and returns everything bluetoothctl printed until the version marker
func (b *Backend) run(command string) (string, error) {
	b.mutex.Lock()
	closed := b.closed
	b.mutex.Unlock()
	if closed {
		return "", errClosed
	}

	b.cmdMutex.Lock()
	defer b.cmdMutex.Unlock()

	if err := b.resyncLocked(); err != nil {
		return "", fmt.Errorf("btctl: %q: %w", command, err)
	}

	log.Tracef("pkg btctl; > %s", command)
	if err := b.gexp.Send(command + "\n"); err != nil {
		return "", fmt.Errorf("btctl: send %q: %w", command, err)
	}
	if err := b.gexp.Send("version\n"); err != nil {
		return "", fmt.Errorf("btctl: send version: %w", err)
	}
	out, _, err := b.gexp.Expect(versionRe, commandTimeout)
	if err != nil {
		b.stale++
		return "", fmt.Errorf("btctl: %q: %w", command, err)
	}
	log.Tracef("pkg btctl; < %s", out)
	return out, nil
}

// resyncLocked discards the late output of timed-out commands up to their version markers
// (must hold cmdMutex)
func (b *Backend) resyncLocked() error {
	for b.stale > 0 {
		out, _, err := b.gexp.Expect(versionRe, commandTimeout)
		if err != nil {
			return fmt.Errorf("output of an earlier command still pending: %w", err)
		}
		b.stale--
		log.Debugf("pkg btctl; discarded late output: %s", out)
	}
	return nil
}

// Close stops polling and quits bluetoothctl
func (b *Backend) Close() error {
	b.poller.Stop()

	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	b.mutex.Unlock()

	b.cmdMutex.Lock()
	defer b.cmdMutex.Unlock()
	_ = b.gexp.Send("quit\n")
	return b.gexp.Close()
}
