package dispatch

import (
	"github.com/opd-ai/ftpbridge/envelope"
	"github.com/opd-ai/ftpbridge/ftpwire"
	"github.com/opd-ai/ftpbridge/listing"
	"github.com/opd-ai/ftpbridge/registry"
	"github.com/opd-ai/ftpbridge/session"
)

// successValue is the terminal value of mutations without a richer result.
type successValue struct {
	Success bool `json:"success"`
}

// localTreeValue carries a local listing result.
type localTreeValue struct {
	Success bool                `json:"success"`
	Files   []listing.LocalView `json:"files"`
}

// remoteTreeValue carries a peripheral listing result.
type remoteTreeValue struct {
	Success bool                 `json:"success"`
	Files   []listing.RemoteView `json:"files"`
}

// peripheralsValue carries the credential-free peripheral inventory.
type peripheralsValue struct {
	Success     bool               `json:"success"`
	Peripherals []registry.Summary `json:"peripherals"`
}

// emptyValue is the value of START and FINISH stream notifications. The
// historical producer sends an empty string there and consumers key on it.
const emptyValue = ""

func (d *Dispatcher) handleServerFileTree(cmd *envelope.Command, em *emitter) error {
	var p envelope.LocalListPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	entries, err := listing.ListLocal(p.LocalPath, d.includeHidden)
	if err != nil {
		return err
	}
	em.emit(envelope.ActionServerFileTree, localTreeValue{
		Success: true,
		Files:   listing.LocalViews(entries),
	})
	return nil
}

func (d *Dispatcher) handleRemoteFileTree(cmd *envelope.Command, em *emitter) error {
	var p envelope.RemoteListPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	var views []listing.RemoteView
	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		entries, err := listing.ListRemote(s, p.RemotePath, d.includeHidden)
		if err != nil {
			return err
		}
		views = listing.RemoteViews(entries)
		return nil
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionClientFileTree, remoteTreeValue{
		Success: true,
		Files:   views,
	})
	return nil
}

func (d *Dispatcher) handleStreamFile(cmd *envelope.Command, em *emitter) error {
	var p envelope.TransferPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	em.emit(envelope.ActionStartStreamFile, emptyValue)
	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		return d.engine.UploadFile(s, p.LocalPath, p.RemotePath, em.progress())
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionFinishStreamFile, emptyValue)
	return nil
}

func (d *Dispatcher) handleStreamDirectory(cmd *envelope.Command, em *emitter) error {
	var p envelope.TransferPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	em.emit(envelope.ActionStartStreamFile, emptyValue)
	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		return d.engine.UploadDirectory(s, p.LocalPath, p.RemotePath, em.progress())
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionFinishStreamFile, emptyValue)
	return nil
}

func (d *Dispatcher) handleDownloadFile(cmd *envelope.Command, em *emitter) error {
	var p envelope.TransferPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	em.emit(envelope.ActionStartDownloadFile, emptyValue)
	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		return d.engine.DownloadFile(s, p.RemotePath, p.LocalPath, em.progress())
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionFinishDownloadFile, emptyValue)
	return nil
}

func (d *Dispatcher) handleDownloadDirectory(cmd *envelope.Command, em *emitter) error {
	var p envelope.TransferPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	em.emit(envelope.ActionStartDownloadFile, emptyValue)
	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		return d.engine.DownloadDirectory(s, p.RemotePath, p.LocalPath, em.progress())
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionFinishDownloadFile, emptyValue)
	return nil
}

func (d *Dispatcher) handleDeleteRemoteFile(cmd *envelope.Command, em *emitter) error {
	var p envelope.RemoteListPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		return s.Delete(ftpwire.NormalizePath(p.RemotePath))
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionDeleteRemoteFile, successValue{Success: true})
	return nil
}

func (d *Dispatcher) handleDeleteRemoteDirectory(cmd *envelope.Command, em *emitter) error {
	var p envelope.RemoteListPayload
	if err := cmd.Data.DecodeValue(&p); err != nil {
		return err
	}

	err := d.withPeripheral(cmd.Data.Index, func(s session.Session) error {
		return d.engine.DeleteRemotePath(s, p.RemotePath)
	})
	if err != nil {
		return err
	}
	em.emit(envelope.ActionDeleteRemoteDirectory, successValue{Success: true})
	return nil
}

func (d *Dispatcher) handleListPeripherals(cmd *envelope.Command, em *emitter) error {
	summaries, err := d.peripherals.List()
	if err != nil {
		return err
	}
	em.emit(envelope.ActionListPeripherals, peripheralsValue{
		Success:     true,
		Peripherals: summaries,
	})
	return nil
}
