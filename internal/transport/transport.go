// Package transport turns a raw USB device node into a bidirectional
// MTP endpoint: it probes interfaces, scores and claims the best MTP
// candidate, performs bulk endpoint I/O with ZLP termination, and
// implements the upward recovery ladder (clear-halt, reopen-session,
// usb-reset+reopen, next-candidate-interface) on I/O failure.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
)

// interruptPeekTimeout bounds the confirmatory interrupt-in read
// internal/capability uses to verify event support; it is short
// because the probe only needs to learn the endpoint is alive, not
// wait for a real event.
const interruptPeekTimeout = 200 * time.Millisecond

// Interface class/subclass/protocol scoring constants (spec.md §4.4).
const (
	ScorePTPStillImage = 100
	ScoreVendorBulkPair = 60
	ScoreNone           = 0
)

// PTP still-image-capture interface class triple.
const (
	classPTPStillImage    = 0x06
	subclassPTPStillImage = 0x01
	protocolPTPStillImage = 0x01
)

const classVendorSpecific = 0xFF

// Candidate describes one scored interface on a device, ordered
// highest-first by Probe.
type Candidate struct {
	Config            gousb.ConfigNum
	Number            gousb.InterfaceNum
	Alt               gousb.InterfaceSetting
	Score             int
	InEndpoint        gousb.EndpointNum
	OutEndpoint       gousb.EndpointNum
	HasInterrupt      bool
	InterruptEndpoint gousb.EndpointNum
}

// score returns the interface's base score. The endpoint layout adds
// no bonus to it: an interrupt-in endpoint does not raise the score,
// and the bulk pair only decides whether the interface counts at all.
// It returns (0, false) when the interface has no usable bulk in/out
// pair.
func score(alt gousb.InterfaceSetting) (int, bool) {
	base := ScoreNone
	class := uint8(alt.Class)
	subclass := uint8(alt.SubClass)
	proto := uint8(alt.Protocol)

	switch {
	case class == classPTPStillImage && subclass == subclassPTPStillImage && proto == protocolPTPStillImage:
		base = ScorePTPStillImage
	case class == classVendorSpecific:
		base = ScoreVendorBulkPair
	default:
		return 0, false
	}

	haveIn, haveOut := false, false

	for _, ep := range alt.Endpoints {
		switch {
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn:
			haveIn = true
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut:
			haveOut = true
		}
	}

	if !haveIn || !haveOut {
		return 0, false
	}

	return base, true
}

// Probe enumerates dev's interfaces and returns the candidates that
// have a usable bulk in/out pair, ordered highest-score first.
func Probe(desc *gousb.DeviceDesc) []Candidate {
	var candidates []Candidate

	for cfgNum, cfg := range desc.Configs {
		for ifNum, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				s, ok := score(alt)
				if !ok {
					continue
				}

				c := Candidate{
					Config: cfgNum,
					Number: gousb.InterfaceNum(ifNum),
					Alt:    alt,
					Score:  s,
				}

				for _, ep := range alt.Endpoints {
					switch {
					case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn:
						c.InEndpoint = ep.Number
					case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut:
						c.OutEndpoint = ep.Number
					case ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn:
						c.HasInterrupt = true
						c.InterruptEndpoint = ep.Number
					}
				}

				candidates = append(candidates, c)
			}
		}
	}

	// Stable highest-first ordering.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Score > candidates[j-1].Score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	return candidates
}

// Transport is a claimed MTP USB interface: the bulk endpoints it
// reads/writes through, plus the recovery ladder state.
type Transport struct {
	dev        *gousb.Device
	cfg        *gousb.Config
	iface      *gousb.Interface
	in         *gousb.InEndpoint
	out        *gousb.OutEndpoint
	interrupt  *gousb.InEndpoint // nil when the candidate has no interrupt-in endpoint
	candidates []Candidate
	current    int // index into candidates of the bound interface
}

// Open claims the highest-scoring candidate on dev, falling back to
// the next candidate on claim failure, per the probe algorithm of
// spec.md §4.4.
func Open(dev *gousb.Device, candidates []Candidate) (*Transport, error) {
	if len(candidates) == 0 {
		return nil, &mtperr.TransportError{Kind: mtperr.TransportNoCandidateInterface}
	}

	t := &Transport{dev: dev, candidates: candidates}

	for i := range candidates {
		if err := t.bind(i); err == nil {
			t.current = i
			return t, nil
		}
	}

	return nil, &mtperr.TransportError{Kind: mtperr.TransportNoCandidateInterface}
}

// bind claims candidate i, replacing any previously-claimed
// interface.
func (t *Transport) bind(i int) error {
	t.releaseLocked()

	c := t.candidates[i]

	cfg, err := t.dev.Config(int(c.Config))
	if err != nil {
		return &mtperr.TransportError{Kind: mtperr.TransportClaimFailed, Err: err}
	}

	iface, err := cfg.Interface(c.Number, c.Alt.Alternate)
	if err != nil {
		cfg.Close()
		return &mtperr.TransportError{Kind: mtperr.TransportClaimFailed, Err: err}
	}

	in, err := iface.InEndpoint(c.InEndpoint)
	if err != nil {
		iface.Close()
		cfg.Close()
		return &mtperr.TransportError{Kind: mtperr.TransportClaimFailed, Err: err}
	}

	out, err := iface.OutEndpoint(c.OutEndpoint)
	if err != nil {
		iface.Close()
		cfg.Close()
		return &mtperr.TransportError{Kind: mtperr.TransportClaimFailed, Err: err}
	}

	t.cfg = cfg
	t.iface = iface
	t.in = in
	t.out = out
	t.interrupt = nil

	if c.HasInterrupt {
		if interrupt, err := iface.InEndpoint(c.InterruptEndpoint); err == nil {
			t.interrupt = interrupt
		}
	}

	return nil
}

func (t *Transport) releaseLocked() {
	if t.iface != nil {
		t.iface.Close()
		t.iface = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
}

// bulkResult is the outcome of a blocking endpoint call run on its own
// goroutine so it can be raced against ctx.Done().
type bulkResult struct {
	n   int
	err error
}

// BulkWrite writes payload to the out endpoint, appending a
// zero-length packet if payload's length is an exact multiple of the
// endpoint's max packet size (ZLP termination, spec.md §4.4).
//
// gousb's endpoint I/O blocks on the underlying libusb transfer with
// no per-call context parameter, so cancellation is implemented by
// racing the blocking call against ctx.Done() on its own goroutine.
func (t *Transport) BulkWrite(ctx context.Context, payload []byte) (int, error) {
	n, err := t.writeOnce(ctx, payload)
	if err != nil {
		return n, err
	}
	if n < len(payload) {
		return n, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: fmt.Errorf("short write: sent %d of %d", n, len(payload))}
	}

	if t.needsZLP(len(payload)) {
		if _, err := t.writeOnce(ctx, nil); err != nil {
			return n, err
		}
	}

	return n, nil
}

func (t *Transport) writeOnce(ctx context.Context, payload []byte) (int, error) {
	done := make(chan bulkResult, 1)
	go func() {
		n, err := t.out.Write(payload)
		done <- bulkResult{n, err}
	}()

	select {
	case <-ctx.Done():
		return 0, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return r.n, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: r.err}
		}
		return r.n, nil
	}
}

func (t *Transport) needsZLP(n int) bool {
	mps := int(t.out.Desc.MaxPacketSize)
	return mps > 0 && n > 0 && n%mps == 0
}

// BulkRead reads into buf from the in endpoint.
func (t *Transport) BulkRead(ctx context.Context, buf []byte) (int, error) {
	done := make(chan bulkResult, 1)
	go func() {
		n, err := t.in.Read(buf)
		done <- bulkResult{n, err}
	}()

	select {
	case <-ctx.Done():
		return 0, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return r.n, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: r.err}
		}
		return r.n, nil
	}
}

// TryInterruptRead attempts one bounded read from the interrupt-in
// endpoint, if the claimed candidate has one. It returns
// mtperr.ErrTimeout when the endpoint is alive but nothing arrived
// within interruptPeekTimeout -- internal/capability treats that as
// confirmation of event support, not a failure.
func (t *Transport) TryInterruptRead(ctx context.Context) error {
	if t.interrupt == nil {
		return &mtperr.TransportError{Kind: mtperr.TransportIO, Err: fmt.Errorf("no interrupt-in endpoint on the claimed interface")}
	}

	ctx, cancel := context.WithTimeout(ctx, interruptPeekTimeout)
	defer cancel()

	buf := make([]byte, 64)
	done := make(chan bulkResult, 1)
	go func() {
		n, err := t.interrupt.Read(buf)
		done <- bulkResult{n, err}
	}()

	select {
	case <-ctx.Done():
		return mtperr.ErrTimeout
	case r := <-done:
		if r.err != nil {
			return &mtperr.TransportError{Kind: mtperr.TransportIO, Err: r.err}
		}
		return nil
	}
}

// ReadEvent blocks on the interrupt-in endpoint for one full PTP event
// container, implementing internal/device's EventSource. Unlike
// TryInterruptRead's bounded probe, this honors ctx alone -- the event
// pump that calls it already owns the device's whole lifetime, so
// there is no separate inactivity budget here.
func (t *Transport) ReadEvent(ctx context.Context) (ptp.Container, error) {
	if t.interrupt == nil {
		return ptp.Container{}, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: fmt.Errorf("no interrupt-in endpoint on the claimed interface")}
	}

	buf := make([]byte, 64)
	done := make(chan bulkResult, 1)
	go func() {
		n, err := t.interrupt.Read(buf)
		done <- bulkResult{n, err}
	}()

	select {
	case <-ctx.Done():
		return ptp.Container{}, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return ptp.Container{}, &mtperr.TransportError{Kind: mtperr.TransportIO, Err: r.err}
		}
		c, err := ptp.Parse(buf[:r.n])
		if err != nil {
			return ptp.Container{}, err
		}
		return c, nil
	}
}

// Standard USB CLEAR_FEATURE(ENDPOINT_HALT) control request, issued
// directly since gousb does not expose a dedicated ClearHalt call.
const (
	reqTypeStandardEndpointOut = 0x02
	reqClearFeature            = 0x01
	featureEndpointHalt        = 0x00
)

// ClearHalt clears a stall condition on both bulk endpoints -- the
// first rung of the recovery ladder.
func (t *Transport) ClearHalt() error {
	for _, addr := range []uint8{uint8(t.in.Desc.Address), uint8(t.out.Desc.Address)} {
		if _, err := t.dev.Control(reqTypeStandardEndpointOut, reqClearFeature, featureEndpointHalt, uint16(addr), nil); err != nil {
			return &mtperr.TransportError{Kind: mtperr.TransportStall, Err: err}
		}
	}
	return nil
}

// Reset issues a USB port reset and rebinds the currently-selected
// candidate interface -- the usb-reset+reopen rung of the ladder.
func (t *Transport) Reset() error {
	if err := t.dev.Reset(); err != nil {
		return &mtperr.TransportError{Kind: mtperr.TransportResetFailed, Err: err}
	}
	return t.bind(t.current)
}

// NextCandidate rebinds to the next-highest-scoring candidate
// interface, the final rung before surfacing a TransportError to the
// caller.
func (t *Transport) NextCandidate() error {
	if t.current+1 >= len(t.candidates) {
		return &mtperr.TransportError{Kind: mtperr.TransportNoCandidateInterface}
	}

	for i := t.current + 1; i < len(t.candidates); i++ {
		if err := t.bind(i); err == nil {
			t.current = i
			return nil
		}
	}

	return &mtperr.TransportError{Kind: mtperr.TransportNoCandidateInterface}
}

// Close releases the claimed interface and configuration.
func (t *Transport) Close() {
	t.releaseLocked()
}
