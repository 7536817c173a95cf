package index

import "github.com/pkg/errors"

var (
	// ErrIndexExists is returned by Create when the target directory
	// already contains files.
	ErrIndexExists = errors.New("index already exists")

	// ErrCorruptOrMissing is returned by Open when the directory does not
	// hold a readable manifest and segment set.
	ErrCorruptOrMissing = errors.New("index is corrupt or missing")

	// ErrWriterBusy is returned by Writer when another write transaction
	// is active and the index was not opened with WriterWait.
	ErrWriterBusy = errors.New("another writer is active")

	// ErrCommitFailed is returned by Writer.Commit when the batch could
	// not be published. The index stays at its previous generation.
	ErrCommitFailed = errors.New("commit failed")

	// ErrClosed is returned by operations on a closed index or writer.
	ErrClosed = errors.New("index is closed")
)
