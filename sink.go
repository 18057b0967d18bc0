package netdicom

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks . StorageSink,ObjectWriter

// StorageSink receives the objects of C-STORE requests.
type StorageSink interface {
	// Create opens a writer for one object's data set.
	Create(sopClassUID, sopInstanceUID, transferSyntaxUID string) (ObjectWriter, error)
}

// ObjectWriter receives the data set of one object. Exactly one of Commit
// and Abort is called.
type ObjectWriter interface {
	io.Writer
	// Commit makes the object durable and returns a stable identifier for
	// it, such as a path.
	Commit() (id string, err error)
	Abort()
}

// storeObject writes obj into sink and returns the committed ID.
func storeObject(sink StorageSink, obj ReceivedObject) (string, error) {
	w, err := sink.Create(obj.SOPClassUID, obj.SOPInstanceUID, obj.TransferSyntaxUID)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", obj.SOPInstanceUID)
	}
	if _, err := w.Write(obj.Data); err != nil {
		w.Abort()
		return "", errors.Wrapf(err, "write %s", obj.SOPInstanceUID)
	}
	id, err := w.Commit()
	if err != nil {
		return "", errors.Wrapf(err, "commit %s", obj.SOPInstanceUID)
	}
	return id, nil
}

// DirectorySink stores each object as a part-10 file named
// "<SOPInstanceUID>.dcm" in Dir.
type DirectorySink struct {
	Dir string
}

func (s DirectorySink) Create(sopClassUID, sopInstanceUID, transferSyntaxUID string) (ObjectWriter, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return nil, err
	}
	header, err := EncodeFileHeader(sopClassUID, sopInstanceUID, transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.Dir, ".incoming-*")
	if err != nil {
		return nil, err
	}
	w := &fileObjectWriter{
		f:    f,
		path: filepath.Join(s.Dir, fileNameForInstance(sopInstanceUID)),
	}
	if _, err := f.Write(header); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// fileNameForInstance maps a UID to a file name. UIDs only contain digits and
// dots, but the value comes from the network.
func fileNameForInstance(uid string) string {
	name := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return '_'
	}, uid)
	if strings.Trim(name, ".") == "" {
		name = "_" + name
	}
	return name + ".dcm"
}

type fileObjectWriter struct {
	f    *os.File
	path string
}

func (w *fileObjectWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *fileObjectWriter) Commit() (string, error) {
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return "", err
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return "", err
	}
	vlog.VI(1).Infof("stored %s", w.path)
	return w.path, nil
}

func (w *fileObjectWriter) Abort() {
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil {
		vlog.Errorf("remove %s: %v", w.f.Name(), err)
	}
}
