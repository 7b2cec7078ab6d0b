// Package ftpbridge bridges a message broker to FTP/FTPS peripherals.
//
// Commands arrive as JSON envelopes on one inbound queue per peripheral
// index. Each envelope carries an integer action code and an
// action-specific payload: list a local or remote directory tree, upload
// or download a file or directory, or delete a remote path. The service
// executes the operation against the addressed peripheral and publishes
// response envelopes on the peripheral's outbound queue, including start
// and progress notifications for streamed transfers and a guaranteed
// terminal response for every command.
//
// Peripheral endpoints and credentials live in a SQLite registry, looked
// up per operation. Commands for one peripheral are processed strictly in
// order; different peripherals proceed in parallel.
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := ftpbridge.NewService(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package ftpbridge
