/*
Package log provides structured logging for the ledger daemon using zerolog.

The subsystems (page storage, merge, sync, runtime) log through the
package-level helpers such as Info and Errorf. WithComponent returns a
component-scoped child logger whose lines can be filtered by the part of
the pipeline that emitted them. Logs are JSON by default; console output is
available for interactive use.

# Component loggers

	logger := log.WithComponent("pagestorage").With().Str("page_id", id).Logger()
	logger.Info().Int("generation", gen).Msg("commit added")

WithPageID, WithLedgerID and WithCommitID are shorthand for child loggers
carrying a page, ledger or commit id field.
*/
package log
