// Package session implements the MTP session open/close sequence:
// claim, stabilize, OpenSession, hook execution, SessionAlreadyOpen
// retry, and the resetOnOpen/recovery-ladder interaction of
// spec.md §4.5.
package session

import (
	"context"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// Transporter is the narrow surface Session needs from
// internal/transport, kept as an interface so tests can substitute a
// fake USB endpoint.
type Transporter interface {
	BulkWrite(ctx context.Context, payload []byte) (int, error)
	BulkRead(ctx context.Context, buf []byte) (int, error)
	ClearHalt() error
	Reset() error
	NextCandidate() error
}

// HookRunner executes the named lifecycle hook, if any is configured
// for this device's effective tuning. Implemented by internal/device,
// which owns the hook/backoff scheduling machinery; Session just calls
// out at the right points.
type HookRunner interface {
	RunHook(ctx context.Context, phase quirks.HookPhase) error
}

// noopHooks runs no hooks; used when the caller has none configured.
type noopHooks struct{}

func (noopHooks) RunHook(context.Context, quirks.HookPhase) error { return nil }

// NoopHooks is a HookRunner that does nothing, for callers (tests,
// the `check` run mode) that don't need hook execution.
var NoopHooks HookRunner = noopHooks{}

// Session represents one open MTP session: the monotonic transaction
// id counter and the claimed transport it talks through.
type Session struct {
	t       Transporter
	hooks   HookRunner
	txnID   uint32
	sessionID uint32
}

// readContainer reads one container from t. MTP bulk responses can
// arrive as a single container per bulk transfer; callers size buf
// generously (64 KiB is enough for any Command/Response container and
// most Data phases used during session negotiation).
func readContainer(ctx context.Context, t Transporter, buf []byte) (ptp.Container, error) {
	n, err := t.BulkRead(ctx, buf)
	if err != nil {
		return ptp.Container{}, err
	}
	return ptp.Parse(buf[:n])
}

// sendCommand writes a Command container and reads back the
// Response container that follows (no data phase).
func sendCommand(ctx context.Context, t Transporter, code uint16, txnID uint32, params []uint32) (ptp.Container, error) {
	cmd := ptp.EncodeCommand(code, txnID, params)
	if _, err := t.BulkWrite(ctx, cmd); err != nil {
		return ptp.Container{}, err
	}

	buf := make([]byte, 64*1024)
	return readContainer(ctx, t, buf)
}

// Open runs the spec.md §4.5 open sequence against an already-claimed
// Transporter: stabilize sleep, OpenSession, SessionAlreadyOpen retry,
// and recovery-ladder interaction with tuning.resetOnOpen.
//
// claim is called to (re-)claim the USB interface; it is invoked again
// after a reset-on-open or ladder-driven recovery. hooks may be
// NoopHooks if the caller has none configured.
func Open(ctx context.Context, t Transporter, hooks HookRunner, tuning quirks.EffectiveTuning, claim func() error) (*Session, error) {
	if hooks == nil {
		hooks = NoopHooks
	}

	if err := hooks.RunHook(ctx, quirks.PhasePostOpenUSB); err != nil {
		return nil, err
	}

	if err := claim(); err != nil {
		return nil, err
	}

	if err := hooks.RunHook(ctx, quirks.PhasePostClaimInterface); err != nil {
		return nil, err
	}

	if tuning.StabilizeMs > 0 {
		select {
		case <-time.After(time.Duration(tuning.StabilizeMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := &Session{t: t, hooks: hooks, sessionID: 1}

	if err := s.openSession(ctx, tuning, claim); err != nil {
		return nil, err
	}

	if err := hooks.RunHook(ctx, quirks.PhasePostOpenSession); err != nil {
		return nil, err
	}

	return s, nil
}

// openSession issues OpenSession, handling SessionAlreadyOpen by
// closing the stale session id and retrying, and running the
// recovery ladder -- skipping clear-halt straight to reset when
// tuning.ResetOnOpen is set -- on I/O error.
//
// The ladder is iterative, not recursive: each rung re-attempts
// attemptOpen exactly once, and the loop gives up once every rung has
// been tried, surfacing the last OpenSession failure as a
// TransportError.
func (s *Session) openSession(ctx context.Context, tuning quirks.EffectiveTuning, claim func() error) error {
	s.txnID = 1

	err := s.attemptOpen(ctx)
	if err == nil {
		return nil
	}

	rungs := make([]func() error, 0, 3)
	if !tuning.ResetOnOpen {
		rungs = append(rungs, s.t.ClearHalt)
	}
	rungs = append(rungs,
		func() error {
			if err := s.t.Reset(); err != nil {
				return err
			}
			return claim()
		},
		func() error {
			if err := s.t.NextCandidate(); err != nil {
				return err
			}
			return claim()
		},
	)

	for _, rung := range rungs {
		if rungErr := rung(); rungErr != nil {
			continue
		}
		s.txnID = 1
		if attemptErr := s.attemptOpen(ctx); attemptErr == nil {
			return nil
		} else {
			err = attemptErr
		}
	}

	return &mtperr.TransportError{Kind: mtperr.TransportIO, Err: err}
}

// attemptOpen issues a single OpenSession, handling the
// SessionAlreadyOpen response by closing the stale session and
// retrying once. It does not touch the recovery ladder.
func (s *Session) attemptOpen(ctx context.Context) error {
	resp, err := sendCommand(ctx, s.t, ptp.OpOpenSession, s.txnID, []uint32{s.sessionID})
	s.txnID++
	if err != nil {
		return err
	}

	if resp.Code == ptp.RespSessionAlreadyOpen {
		_, _ = sendCommand(ctx, s.t, ptp.OpCloseSession, s.txnID, nil)
		s.txnID++

		resp, err = sendCommand(ctx, s.t, ptp.OpOpenSession, s.txnID, []uint32{s.sessionID})
		s.txnID++
		if err != nil {
			return err
		}
	}

	if resp.Code != ptp.RespOK {
		return ptp.ResponseError(resp.Code)
	}

	return nil
}

// Transact issues a Command with no outgoing data phase and returns
// the Response container, plus any incoming Data payload that
// preceded it. Used by internal/capability and internal/device for
// operations beyond the open/close sequence this package itself
// drives.
func (s *Session) Transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error) {
	txn := s.NextTransactionID()

	cmd := ptp.EncodeCommand(code, txn, params)
	if _, err := s.t.BulkWrite(ctx, cmd); err != nil {
		return ptp.Container{}, nil, err
	}

	buf := make([]byte, 64*1024)
	first, err := readContainer(ctx, s.t, buf)
	if err != nil {
		return ptp.Container{}, nil, err
	}

	if first.Kind == ptp.KindData {
		data := append([]byte(nil), first.Payload...)
		resp, err := readContainer(ctx, s.t, buf)
		if err != nil {
			return ptp.Container{}, nil, err
		}
		return resp, data, nil
	}

	return first, nil, nil
}

// TransactWithData issues a Command followed by an outgoing Data
// phase carrying payload, and returns the Response container.
func (s *Session) TransactWithData(ctx context.Context, code uint16, params []uint32, payload []byte) (ptp.Container, error) {
	txn := s.NextTransactionID()

	cmd := ptp.EncodeCommand(code, txn, params)
	if _, err := s.t.BulkWrite(ctx, cmd); err != nil {
		return ptp.Container{}, err
	}

	data := ptp.EncodeData(code, txn, payload)
	if _, err := s.t.BulkWrite(ctx, data); err != nil {
		return ptp.Container{}, err
	}

	buf := make([]byte, 64*1024)
	return readContainer(ctx, s.t, buf)
}

// NextTransactionID returns the next monotonic transaction id for
// this session, incrementing the internal counter.
func (s *Session) NextTransactionID() uint32 {
	id := s.txnID
	s.txnID++
	return id
}

// Close issues CloseSession; failures are logged by the caller but
// never surfaced (spec.md §4.5).
func (s *Session) Close(ctx context.Context) error {
	_, err := sendCommand(ctx, s.t, ptp.OpCloseSession, s.NextTransactionID(), nil)
	return err
}
