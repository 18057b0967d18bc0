// Package storage is an object store for DICOM service providers. Objects
// received with C-STORE are kept in a badger database together with an index
// of their attributes, which answers C-FIND, C-MOVE and C-GET queries.
package storage

import (
	"bytes"
	stdErrors "errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"v.io/x/lib/vlog"
)

// ErrNotFound is returned when no object has the requested SOP instance UID.
var ErrNotFound = errors.New("storage: object not found")

const (
	recordPrefix = "rec/"
	dataPrefix   = "data/"
)

// indexSyntax is the transfer syntax of record.Index.
const indexSyntax = sopclass.ExplicitVRLittleEndian

// record is the msgpack-encoded metadata of one object.
type record struct {
	SOPClassUID       string    `msgpack:"sop_class_uid"`
	SOPInstanceUID    string    `msgpack:"sop_instance_uid"`
	TransferSyntaxUID string    `msgpack:"transfer_syntax_uid"`
	Size              int       `msgpack:"size"`
	StoredAt          time.Time `msgpack:"stored_at"`
	// Index holds the object's elements, pixel data excluded, encoded in
	// indexSyntax.
	Index []byte `msgpack:"index"`
}

// Options configures Open.
type Options struct {
	// Dir is the database directory. If empty, the store is in memory.
	Dir string
	// Codec decodes received data sets to index them. Defaults to
	// netdicom.GoDICOMCodec.
	Codec netdicom.DataSetCodec
}

// Store keeps objects keyed by SOP instance UID. It implements
// netdicom.StorageSink. All methods are safe for concurrent use.
type Store struct {
	db    *badger.DB
	codec netdicom.DataSetCodec
	mu    sync.RWMutex
}

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.Dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create badger directory")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	db, err := badger.Open(bopts.WithLogger(badgerLogger{}))
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}
	codec := opts.Codec
	if codec == nil {
		codec = netdicom.GoDICOMCodec{}
	}
	return &Store{db: db, codec: codec}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Len returns the number of objects in the store.
func (s *Store) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "count objects")
	}
	return n, nil
}

// Create implements netdicom.StorageSink. The object becomes visible to
// queries on Commit. Storing an instance UID again replaces the object.
func (s *Store) Create(sopClassUID, sopInstanceUID, transferSyntaxUID string) (netdicom.ObjectWriter, error) {
	if sopInstanceUID == "" {
		return nil, errors.New("storage: empty SOP instance UID")
	}
	return &objectWriter{
		s: s,
		rec: record{
			SOPClassUID:       sopClassUID,
			SOPInstanceUID:    sopInstanceUID,
			TransferSyntaxUID: transferSyntaxUID,
		},
	}, nil
}

// Put stores obj, e.g. one read from a part-10 file at startup.
func (s *Store) Put(obj netdicom.StoreObject) error {
	w, err := s.Create(obj.SOPClassUID, obj.SOPInstanceUID, obj.TransferSyntaxUID)
	if err != nil {
		return err
	}
	data := obj.Data
	if data == nil {
		if obj.Load == nil {
			w.Abort()
			return errors.Errorf("%s: no data", obj.Label)
		}
		if data, err = obj.Load(); err != nil {
			w.Abort()
			return errors.Wrapf(err, "%s: load", obj.Label)
		}
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	_, err = w.Commit()
	return err
}

type objectWriter struct {
	s    *Store
	rec  record
	buf  bytes.Buffer
	done bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("storage: write after commit")
	}
	return w.buf.Write(p)
}

func (w *objectWriter) Commit() (string, error) {
	if w.done {
		return "", errors.New("storage: object already committed")
	}
	w.done = true
	data := w.buf.Bytes()
	index, err := w.s.index(data, w.rec.TransferSyntaxUID)
	if err != nil {
		return "", errors.Wrapf(err, "index %s", w.rec.SOPInstanceUID)
	}
	w.rec.Index = index
	w.rec.Size = len(data)
	w.rec.StoredAt = time.Now().UTC()
	meta, err := msgpack.Marshal(&w.rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal record")
	}

	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	err = w.s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(w.rec.SOPInstanceUID), data); err != nil {
			return err
		}
		return txn.Set(recordKey(w.rec.SOPInstanceUID), meta)
	})
	if err != nil {
		return "", errors.Wrapf(err, "store %s", w.rec.SOPInstanceUID)
	}
	vlog.VI(1).Infof("stored %s (%d bytes)", w.rec.SOPInstanceUID, len(data))
	return w.rec.SOPInstanceUID, nil
}

func (w *objectWriter) Abort() {
	w.done = true
	w.buf.Reset()
}

// index re-encodes the attributes of a data set, without pixel data.
func (s *Store) index(data []byte, transferSyntaxUID string) ([]byte, error) {
	elems, err := s.codec.Decode(data, transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	kept := elems[:0]
	for _, elem := range elems {
		if elem.Tag != dicomtag.PixelData {
			kept = append(kept, elem)
		}
	}
	return s.codec.Encode(kept, indexSyntax)
}

func recordKey(sopInstanceUID string) []byte { return []byte(recordPrefix + sopInstanceUID) }
func dataKey(sopInstanceUID string) []byte   { return []byte(dataPrefix + sopInstanceUID) }

// Object is one stored object.
type Object struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Size              int
	StoredAt          time.Time
	// Elements are the indexed attributes.
	Elements []*dicom.Element
}

func (s *Store) decodeRecord(val []byte) (Object, error) {
	var rec record
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return Object{}, errors.Wrap(err, "unmarshal record")
	}
	elems, err := s.codec.Decode(rec.Index, indexSyntax)
	if err != nil {
		return Object{}, errors.Wrapf(err, "decode index of %s", rec.SOPInstanceUID)
	}
	return Object{
		SOPClassUID:       rec.SOPClassUID,
		SOPInstanceUID:    rec.SOPInstanceUID,
		TransferSyntaxUID: rec.TransferSyntaxUID,
		Size:              rec.Size,
		StoredAt:          rec.StoredAt,
		Elements:          elems,
	}, nil
}

// Stat returns the metadata of one object.
func (s *Store) Stat(sopInstanceUID string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var obj Object
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(sopInstanceUID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			obj, err = s.decodeRecord(val)
			return err
		})
	})
	if stdErrors.Is(err, badger.ErrKeyNotFound) {
		return Object{}, ErrNotFound
	}
	return obj, err
}

// ReadData returns the data set of one object, without part-10 header.
func (s *Store) ReadData(sopInstanceUID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(sopInstanceUID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if stdErrors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", sopInstanceUID)
	}
	return data, nil
}

// Delete removes one object. It returns ErrNotFound if the object does not
// exist.
func (s *Store) Delete(sopInstanceUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(sopInstanceUID)); err != nil {
			if stdErrors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete(recordKey(sopInstanceUID)); err != nil {
			return err
		}
		return txn.Delete(dataKey(sopInstanceUID))
	})
}

// scan calls fn for every object in key order until fn returns false.
func (s *Store) scan(fn func(obj Object) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var obj Object
			err := it.Item().Value(func(val []byte) error {
				var err error
				obj, err = s.decodeRecord(val)
				return err
			})
			if err != nil {
				vlog.Errorf("%s: skip: %v", strings.TrimPrefix(string(it.Item().Key()), recordPrefix), err)
				continue
			}
			if !fn(obj) {
				break
			}
		}
		return nil
	})
}

// badgerLogger routes badger's log to vlog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	vlog.Errorf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	vlog.Infof("badger: warning: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	vlog.VI(1).Infof("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	vlog.VI(2).Infof("badger: "+format, args...)
}
