package ledger

import (
	"encoding/base64"
	"path/filepath"
)

// pageDir returns the on-disk directory for a page: a versioned root, then
// the base64-url encoding of the ledger and page ids so arbitrary
// client-chosen ids never collide with path separators or need escaping.
func pageDir(storageRoot, serializationVersion, ledgerID, pageID string) string {
	return filepath.Join(
		storageRoot,
		serializationVersion,
		base64.RawURLEncoding.EncodeToString([]byte(ledgerID)),
		base64.RawURLEncoding.EncodeToString([]byte(pageID)),
	)
}

// storeDir is the subdirectory of a page directory holding the bbolt file
// and any other key-value engine state.
func storeDir(pageDirPath string) string {
	return filepath.Join(pageDirPath, "store")
}

// lockFile is the advisory lock file used to guard a page directory against
// being opened by two processes at once.
func lockFile(pageDirPath string) string {
	return filepath.Join(pageDirPath, ".lock")
}

// dbFile is the bbolt database file inside a page's store directory.
func dbFile(pageDirPath string) string {
	return filepath.Join(storeDir(pageDirPath), "page.db")
}
