// Package auditspool is a disk-buffered pipeline that turns application
// events of a medical image archive into structured audit records and
// delivers them at least once to one or more remote audit collectors.
//
// Core Concepts:
//
//   - Record: One line of a spool file. A `Record` has a fixed set of named
//     fields and two flags, and is stored with `EncodeRecord` as a single line
//     of backslash separated, escaped values. `DecodeRecord` is its inverse.
//
//   - SpoolFile: A file in the spool directory of one destination. The first
//     line is the event header, every further line is a detail record (one
//     per instance, for example). The event type code is the file name prefix
//     up to the first '-'.
//
//   - EventTypeDescriptor: The static description of an event type (event ID,
//     action code, participant roles, aggregation). The `Table` maps event type
//     codes to descriptors; `DefaultTable()` holds the built-in catalog.
//
//   - Destination: A remote collector with its own spool directory, aggregation
//     mode and suppression rules.
//
//   - Emitter: Delivers a finished `AuditRecord` to a collector. Kafka, SQL,
//     rotating file and Redis stream emitters are provided; `Router` selects an
//     emitter per destination.
//
// Event Flow:
//
//  1. Spooling: `Pipeline.Spool` validates the event, selects the installed
//     destinations that do not suppress it and writes it to each of their spool
//     directories concurrently. In batched mode, aggregatable events (stores and
//     transfers) of the same study, caller and callee are merged into one file.
//     All other events are processed right away.
//
//  2. Processing: The `Processor` reads a spool file, rebuilds the audit record
//     for the event class and hands it to the emitter. The file is deleted only
//     after the emitter accepted the record. A failed delivery keeps the file;
//     an unreadable file is renamed with the `.failed` suffix and never retried
//     automatically.
//
//  3. Scheduling: `Pipeline.Start` runs one loop per destination that processes
//     every file older than the minimum file age at each flush interval, which
//     delivers batched files and retries failed deliveries.
//
// A delivered record may be delivered again if the process stops between
// delivery and deletion of its file. Record IDs are derived from the spool file,
// so collectors can discard such duplicates.
//
// Example:
//
//	p, err := auditspool.New(
//		auditspool.WithSpoolRoot("/var/spool/audit"),
//		auditspool.WithDestinations(auditspool.Destination{Name: "arr", Installed: true, Mode: auditspool.ModeBatched}),
//		auditspool.WithEmitter(emitter),
//	)
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//	if err := p.Start(ctx); err != nil {
//		return err
//	}
//	err = p.Spool(ctx, auditspool.CodeStoreCreate, header, details...)
package auditspool
