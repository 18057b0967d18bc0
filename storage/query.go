package storage

import (
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/grailbio/go-dicom/dicomuid"
	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Match is one object that satisfied a query filter.
type Match struct {
	Object Object
	// Elements holds one element per filter element: the object's value, or
	// an empty element for a universal match on an attribute the object lacks.
	Elements []*dicom.Element
}

// levelKeys maps a query/retrieve level to the attribute that identifies one
// entity at that level.
var levelKeys = map[string]dicomtag.Tag{
	"PATIENT": dicomtag.PatientID,
	"STUDY":   dicomtag.StudyInstanceUID,
	"SERIES":  dicomtag.SeriesInstanceUID,
	"IMAGE":   dicomtag.SOPInstanceUID,
}

func queryLevel(filter []*dicom.Element) string {
	for _, f := range filter {
		if f.Tag == dicomtag.QueryRetrieveLevel {
			if s, err := f.GetString(); err == nil {
				return strings.ToUpper(strings.TrimSpace(s))
			}
		}
	}
	return ""
}

// match tests one object against every filter element.
func match(obj Object, filter []*dicom.Element) (Match, bool, error) {
	m := Match{Object: obj}
	ds := &dicom.DataSet{Elements: obj.Elements}
	for _, f := range filter {
		if f.Tag == dicomtag.QueryRetrieveLevel {
			m.Elements = append(m.Elements, f)
			continue
		}
		ok, elem, err := dicom.Query(ds, f)
		if err != nil {
			return Match{}, false, err
		}
		if !ok {
			vlog.VI(2).Infof("%s: filter %v missed", obj.SOPInstanceUID, f)
			return Match{}, false, nil
		}
		if elem == nil {
			if elem, err = dicom.NewElement(f.Tag); err != nil {
				return Match{}, false, err
			}
		}
		m.Elements = append(m.Elements, elem)
	}
	return m, true, nil
}

// Find returns the objects matching filter. If the filter names a
// QueryRetrieveLevel above IMAGE, only the first object of each entity at
// that level is reported.
func (s *Store) Find(filter []*dicom.Element) ([]Match, error) {
	var matches []Match
	var firstErr error
	seen := map[string]bool{}
	key, dedupe := levelKeys[queryLevel(filter)]
	err := s.scan(func(obj Object) bool {
		m, ok, err := match(obj, filter)
		if err != nil {
			firstErr = err
			return false
		}
		if !ok {
			return true
		}
		if dedupe && key != dicomtag.SOPInstanceUID {
			id := ""
			if elem, err := dicom.FindElementByTag(obj.Elements, key); err == nil {
				id, _ = elem.GetString()
			}
			if seen[id] {
				return true
			}
			seen[id] = true
		}
		matches = append(matches, m)
		return true
	})
	if err == nil {
		err = firstErr
	}
	if err != nil {
		return nil, errors.Wrap(err, "find")
	}
	return matches, nil
}

// Retrieve returns every object matching filter as objects to send. The data
// of each is read when it is sent.
func (s *Store) Retrieve(filter []*dicom.Element) ([]netdicom.StoreObject, error) {
	var (
		objects  []netdicom.StoreObject
		firstErr error
	)
	err := s.scan(func(obj Object) bool {
		_, ok, err := match(obj, filter)
		if err != nil {
			firstErr = err
			return false
		}
		if ok {
			uid := obj.SOPInstanceUID
			objects = append(objects, netdicom.StoreObject{
				SOPClassUID:       obj.SOPClassUID,
				SOPInstanceUID:    uid,
				TransferSyntaxUID: obj.TransferSyntaxUID,
				Label:             uid,
				Load:              func() ([]byte, error) { return s.ReadData(uid) },
			})
		}
		return true
	})
	if err == nil {
		err = firstErr
	}
	if err != nil {
		return nil, errors.Wrap(err, "retrieve")
	}
	return objects, nil
}

// CFind implements netdicom.CFindCallback.
func (s *Store) CFind(conn netdicom.ConnectionState, transferSyntaxUID, sopClassUID string, filter []*dicom.Element, ch chan netdicom.CFindResult) {
	defer close(ch)
	vlog.Infof("%s: C-FIND %s, transfer syntax %s", conn.Label,
		dicomuid.UIDString(sopClassUID), dicomuid.UIDString(transferSyntaxUID))
	matches, err := s.Find(filter)
	vlog.Infof("%s: C-FIND: found %d matches, err %v", conn.Label, len(matches), err)
	if err != nil {
		ch <- netdicom.CFindResult{Err: err}
		return
	}
	for _, m := range matches {
		ch <- netdicom.CFindResult{Elements: m.Elements}
	}
}

// CRetrieve implements netdicom.CRetrieveCallback, for both C-MOVE and
// C-GET.
func (s *Store) CRetrieve(conn netdicom.ConnectionState, transferSyntaxUID, sopClassUID string, filter []*dicom.Element) ([]netdicom.StoreObject, error) {
	objects, err := s.Retrieve(filter)
	vlog.Infof("%s: retrieve %s: %d objects, err %v", conn.Label,
		dicomuid.UIDString(sopClassUID), len(objects), err)
	return objects, err
}

// NDelete implements netdicom.NDeleteCallback.
func (s *Store) NDelete(conn netdicom.ConnectionState, sopClassUID, sopInstanceUID string) dimse.Status {
	obj, err := s.Stat(sopInstanceUID)
	if err == nil && obj.SOPClassUID != sopClassUID {
		return dimse.Status{
			Status:       dimse.StatusClassInstanceConflict,
			ErrorComment: "instance belongs to " + obj.SOPClassUID,
		}
	}
	if err == nil {
		err = s.Delete(sopInstanceUID)
	}
	switch {
	case err == nil:
		vlog.Infof("%s: deleted %s", conn.Label, sopInstanceUID)
		return dimse.Success
	case errors.Is(err, ErrNotFound):
		return dimse.Status{Status: dimse.StatusNoSuchSOPInstance}
	default:
		vlog.Errorf("%s: delete %s: %v", conn.Label, sopInstanceUID, err)
		return dimse.Status{Status: dimse.StatusProcessingFailure, ErrorComment: err.Error()}
	}
}
