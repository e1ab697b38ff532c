// Package console implements the terminal user surface: the device chooser and the
// enable-adapter consent prompt.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fh/btpair/pkg/pairing"

	log "github.com/sirupsen/logrus"
)

// Console prompts on out and reads answers from in.
// Only one prompt is active at a time.
type Console struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string

	promptMtx sync.Mutex
}

var _ pairing.Picker = &Console{}
var _ pairing.Consent = &Console{}

// New creates a console surface
func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:    in,
		out:   out,
		lines: make(chan string),
	}
}

func (c *Console) readLoop() {
	defer close(c.lines)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.lines <- strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("pkg console; input closed: %v", err)
	}
}

// readLine waits for the next input line. Reading starts lazily on first use.
func (c *Console) readLine(ctx context.Context) (string, error) {
	c.once.Do(func() { go c.readLoop() })

	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pick lists the devices and reads an index. An empty line or "q" cancels.
func (c *Console) Pick(ctx context.Context, devices []pairing.Device) (pairing.Device, error) {
	c.promptMtx.Lock()
	defer c.promptMtx.Unlock()

	if len(devices) == 0 {
		return pairing.Device{}, pairing.ErrChooserCanceled
	}

	for i, d := range devices {
		fmt.Fprintf(c.out, "[%d] Name=%s Address=%s\n", i, d.Name, d.Address)
	}
	fmt.Fprint(c.out, "Choose index (empty to cancel): ")

	for {
		line, err := c.readLine(ctx)
		if err == io.EOF {
			return pairing.Device{}, pairing.ErrChooserCanceled
		}
		if err != nil {
			return pairing.Device{}, err
		}
		if line == "" || strings.EqualFold(line, "q") {
			return pairing.Device{}, pairing.ErrChooserCanceled
		}
		i, err := strconv.Atoi(line)
		if err == nil && i >= 0 && i < len(devices) {
			return devices[i], nil
		}
		fmt.Fprintf(c.out, "enter 0..%d: ", len(devices)-1)
	}
}

// Confirm asks a y/N question. Anything but y/yes, including end of input, is a no.
func (c *Console) Confirm(ctx context.Context, prompt string) (bool, error) {
	c.promptMtx.Lock()
	defer c.promptMtx.Unlock()

	fmt.Fprintf(c.out, "%s [y/N]: ", prompt)
	line, err := c.readLine(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// AutoPicker picks without asking: the device with Address, or the first one when Address is empty
type AutoPicker struct {
	Address string
}

// Pick implements pairing.Picker
func (p AutoPicker) Pick(ctx context.Context, devices []pairing.Device) (pairing.Device, error) {
	if len(devices) == 0 {
		return pairing.Device{}, pairing.ErrChooserCanceled
	}
	if p.Address == "" {
		return devices[0], nil
	}
	want := pairing.NormalizeAddress(p.Address)
	for _, d := range devices {
		if pairing.NormalizeAddress(d.Address) == want {
			return d, nil
		}
	}
	log.Infof("pkg console; %s not among %d discovered device(s)", want, len(devices))
	return pairing.Device{}, pairing.ErrChooserCanceled
}

// StaticConsent answers every question the same way
type StaticConsent bool

// Confirm implements pairing.Consent
func (s StaticConsent) Confirm(ctx context.Context, prompt string) (bool, error) {
	log.Debugf("pkg console; %q answered %v by policy", prompt, bool(s))
	return bool(s), nil
}
