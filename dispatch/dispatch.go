// Package dispatch routes decoded command envelopes to their operation
// handlers and publishes the resulting response envelopes. Every command
// produces exactly one terminal response on its outbound queue; streamed
// transfers additionally produce start and progress notifications. A
// handler failure, an unknown action code and even a handler panic all
// degrade to a published error response so the producer never waits on a
// command that silently died.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ftpbridge/engine"
	"github.com/opd-ai/ftpbridge/envelope"
	"github.com/opd-ai/ftpbridge/registry"
	"github.com/opd-ai/ftpbridge/session"
)

// ErrUnknownAction indicates a command carried an action code with no
// handler bound.
var ErrUnknownAction = errors.New("unknown action code")

// RecvQueue names the inbound queue of a peripheral index.
func RecvQueue(index int) string {
	return fmt.Sprintf("recv_queue_index_%d", index)
}

// SendQueue names the default outbound queue of a peripheral index.
func SendQueue(index int) string {
	return fmt.Sprintf("send_queue_index_%d", index)
}

// Publisher delivers an encoded response envelope to a named queue.
type Publisher interface {
	Publish(queue string, body []byte) error
}

// PeripheralStore resolves peripheral indices. registry.Store satisfies it.
type PeripheralStore interface {
	Lookup(index int) (session.PeripheralRef, error)
	List() ([]registry.Summary, error)
}

// Connector acquires peripheral sessions. session.Manager satisfies it.
type Connector interface {
	WithConnection(ref session.PeripheralRef, fn func(session.Session) error) error
}

// HistorySink records terminal operation outcomes. registry.Store satisfies
// it; a nil sink disables recording.
type HistorySink interface {
	RecordOperation(opType, status, details string) error
}

// Options bind deployment-specific protocol choices.
type Options struct {
	// LegacyDownloadAction binds action code 63 to the legacy DOWNLOAD_FILE
	// operation instead of DELETE_REMOTE_FILE. The two meanings share the
	// code on the wire; a deployment speaks one or the other.
	LegacyDownloadAction bool
	// IncludeHidden lists dotfiles in file-tree responses.
	IncludeHidden bool
}

// handlerEntry is one action binding. errAction is the terminal error code
// published when fn fails.
type handlerEntry struct {
	name      string
	errAction envelope.Action
	fn        func(d *Dispatcher, cmd *envelope.Command, em *emitter) error
}

// Dispatcher owns the action table for one deployment.
type Dispatcher struct {
	peripherals   PeripheralStore
	connector     Connector
	engine        *engine.Engine
	publisher     Publisher
	history       HistorySink
	includeHidden bool
	table         map[envelope.Action]handlerEntry
}

// New builds a dispatcher over the given collaborators and binds the action
// table.
func New(peripherals PeripheralStore, connector Connector, eng *engine.Engine, publisher Publisher, history HistorySink, opts Options) *Dispatcher {
	d := &Dispatcher{
		peripherals:   peripherals,
		connector:     connector,
		engine:        eng,
		publisher:     publisher,
		history:       history,
		includeHidden: opts.IncludeHidden,
	}

	d.table = map[envelope.Action]handlerEntry{
		envelope.ActionGetServerFileTree: {
			name:      envelope.ActionGetServerFileTree.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleServerFileTree,
		},
		envelope.ActionGetRemoteFileTree: {
			name:      envelope.ActionGetRemoteFileTree.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleRemoteFileTree,
		},
		envelope.ActionStreamFile: {
			name:      envelope.ActionStreamFile.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleStreamFile,
		},
		envelope.ActionStreamDirectory: {
			name:      envelope.ActionStreamDirectory.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleStreamDirectory,
		},
		envelope.ActionDownloadDirectory: {
			name:      envelope.ActionDownloadDirectory.String(),
			errAction: envelope.ActionErrorDownloadFile,
			fn:        (*Dispatcher).handleDownloadDirectory,
		},
		envelope.ActionDeleteRemoteDirectory: {
			name:      envelope.ActionDeleteRemoteDirectory.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleDeleteRemoteDirectory,
		},
		envelope.ActionListPeripherals: {
			name:      envelope.ActionListPeripherals.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleListPeripherals,
		},
	}

	if opts.LegacyDownloadAction {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"action":   int(envelope.ActionDownloadFile),
		}).Warn("Action code 63 bound to legacy DOWNLOAD_FILE, remote file deletion is unavailable")
		d.table[envelope.ActionDownloadFile] = handlerEntry{
			name:      "DOWNLOAD_FILE",
			errAction: envelope.ActionErrorDownloadFile,
			fn:        (*Dispatcher).handleDownloadFile,
		}
	} else {
		d.table[envelope.ActionDeleteRemoteFile] = handlerEntry{
			name:      envelope.ActionDeleteRemoteFile.String(),
			errAction: envelope.ActionError,
			fn:        (*Dispatcher).handleDeleteRemoteFile,
		}
	}

	return d
}

// Handle decodes one delivery and dispatches it. Only a malformed envelope
// is reported back to the caller; handler failures are converted into
// published error responses.
func (d *Dispatcher) Handle(body []byte) error {
	cmd, err := envelope.DecodeCommand(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handle",
			"error":    err.Error(),
		}).Error("Rejecting malformed command envelope")
		d.record("DECODE", "error", err.Error())
		return err
	}
	d.Dispatch(cmd)
	return nil
}

// Dispatch runs the handler bound to the command's action code and
// guarantees a terminal response on the outbound queue, converting handler
// errors and panics into error envelopes.
func (d *Dispatcher) Dispatch(cmd *envelope.Command) {
	em := newEmitter(d.publisher, cmd)

	entry, ok := d.table[cmd.Action]
	if !ok {
		msg := fmt.Sprintf("%v: %d", ErrUnknownAction, int(cmd.Action))
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"action":   int(cmd.Action),
			"index":    cmd.Data.Index,
		}).Error("No handler for action code")
		em.emit(envelope.ActionError, envelope.ErrorValue{Message: msg})
		d.record(cmd.Action.String(), "error", msg)
		return
	}

	opID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatch",
				"op_id":    opID,
				"action":   entry.name,
				"index":    cmd.Data.Index,
				"panic":    fmt.Sprint(r),
			}).Error(string(debug.Stack()))
			em.emit(entry.errAction, envelope.ErrorValue{
				Message: fmt.Sprintf("internal error handling %s", entry.name),
			})
			d.record(entry.name, "error", fmt.Sprint(r))
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Dispatch",
		"op_id":    opID,
		"action":   entry.name,
		"index":    cmd.Data.Index,
	}).Info("Dispatching command")

	if err := entry.fn(d, cmd, em); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"op_id":    opID,
			"action":   entry.name,
			"index":    cmd.Data.Index,
			"error":    err.Error(),
		}).Error("Command failed")
		em.emit(entry.errAction, envelope.ErrorValue{Message: err.Error()})
		d.record(entry.name, "error", err.Error())
		return
	}
	d.record(entry.name, "success", "")
}

// withPeripheral resolves the index and runs fn over a live session.
func (d *Dispatcher) withPeripheral(index int, fn func(session.Session) error) error {
	ref, err := d.peripherals.Lookup(index)
	if err != nil {
		return err
	}
	return d.connector.WithConnection(ref, fn)
}

func (d *Dispatcher) record(opType, status, details string) {
	if d.history == nil {
		return
	}
	if err := d.history.RecordOperation(opType, status, details); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "record",
			"type":     opType,
			"error":    err.Error(),
		}).Warn("Failed to record operation history")
	}
}

// emitter publishes the responses of one command: to the queue named by the
// command's extra.send_to redirect, otherwise to the index's send queue.
// The command's extra section is propagated verbatim into every response.
type emitter struct {
	pub   Publisher
	queue string
	index int
	extra json.RawMessage
}

func newEmitter(pub Publisher, cmd *envelope.Command) *emitter {
	queue := cmd.SendTo()
	if queue == "" {
		queue = SendQueue(cmd.Data.Index)
	}
	return &emitter{
		pub:   pub,
		queue: queue,
		index: cmd.Data.Index,
		extra: cmd.Data.Extra,
	}
}

func (e *emitter) emit(action envelope.Action, value any) {
	resp := envelope.NewResponse(action, e.index, value)
	resp.Data.Extra = e.extra
	body, err := resp.Encode()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"action":   action.String(),
			"error":    err.Error(),
		}).Error("Failed to encode response envelope")
		return
	}
	if err := e.pub.Publish(e.queue, body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"action":   action.String(),
			"queue":    e.queue,
			"error":    err.Error(),
		}).Error("Failed to publish response envelope")
	}
}

// progress adapts the emitter into the engine's progress callback.
func (e *emitter) progress() engine.ProgressFunc {
	return func(p envelope.Progress) {
		e.emit(envelope.ActionProgressSendFile, p)
	}
}
