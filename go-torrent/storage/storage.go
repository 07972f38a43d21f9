package storage

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var log = logrus.WithField("component", "storage")

var appFS = afero.NewOsFs()
var openFile = func(fs afero.Fs, name string, flag int, perm os.FileMode) (afero.File, error) {
	return fs.OpenFile(name, flag, perm)
}

// Backend persists the concatenated torrent byte space. Offsets are
// torrent offsets, not file offsets.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}
