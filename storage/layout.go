package storage

import (
	"path"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// objectPath returns "<prefix>/<type>s/<hex id>", or "<type>s/<hex id>"
// without a prefix. Every backend lays content out this way so an archive
// can be copied between backends verbatim.
func objectPath(prefix string, id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(prefix, contentType.String()+"s", id.String())
}
