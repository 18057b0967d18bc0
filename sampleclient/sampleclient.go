// A sample program for talking to a remote DICOM provider.
//
//	sampleclient -server localhost:11112 -echo
//	sampleclient -server localhost:11112 -find -patient-id P1
//	sampleclient -server localhost:11112 -move VIEWER -study-uid 1.2.3
//	sampleclient -server localhost:11112 -get /tmp/out -patient-id P1
//	sampleclient -server localhost:11112 -store a.dcm
//	sampleclient -server localhost:11112 -delete 1.2.3.4,1.2.3.5 -sop-class 1.2.840.10008.5.1.4.1.1.2
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/sopclass"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

var (
	serverFlag  = flag.String("server", "localhost:10000", "host:port of the remote application entity")
	calledFlag  = flag.String("called-ae", "dontcare", "AE title of the remote application entity")
	callingFlag = flag.String("calling-ae", "testclient", "AE title of this client")

	echoFlag   = flag.Bool("echo", false, "Issue C-ECHO")
	findFlag   = flag.Bool("find", false, "Issue C-FIND with the query keys below")
	moveFlag   = flag.String("move", "", "If set, issue C-MOVE of the matching objects to this AE title")
	getFlag    = flag.String("get", "", "If set, issue C-GET and write the matching objects to this directory")
	storeFlag  = flag.String("store", "", "If set, issue C-STORE to copy this file to the remote server")
	deleteFlag = flag.String("delete", "", "Comma-separated SOP instance UIDs to remove with N-DELETE")

	levelFlag    = flag.String("level", "study", "Query/retrieve level, patient or study")
	patientFlag  = flag.String("patient-id", "", "PatientID query key")
	studyFlag    = flag.String("study-uid", "", "StudyInstanceUID query key")
	sopClassFlag = flag.String("sop-class", "1.2.840.10008.5.1.4.1.1.2", "SOP class of the instances given to -delete")
)

func connect(sopClasses []sopclass.SOPUID, transferSyntaxes []string) *netdicom.ServiceUser {
	params, err := netdicom.NewServiceUserParams(*calledFlag, *callingFlag, sopClasses, transferSyntaxes)
	if err != nil {
		vlog.Fatal(err)
	}
	su := netdicom.NewServiceUser(params)
	vlog.Infof("Connecting to %s", *serverFlag)
	if err := su.Connect(*serverFlag); err != nil {
		vlog.Fatalf("%s: %v", *serverFlag, err)
	}
	return su
}

func qrLevel() netdicom.QRLevel {
	if strings.EqualFold(*levelFlag, "patient") {
		return netdicom.QRLevelPatient
	}
	return netdicom.QRLevelStudy
}

// queryKeys builds the identifier from the flags. Return keys are asked for
// with empty values.
func queryKeys() []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.PatientName, ""),
		dicom.MustNewElement(dicomtag.PatientID, *patientFlag),
		dicom.MustNewElement(dicomtag.StudyInstanceUID, *studyFlag),
		dicom.MustNewElement(dicomtag.StudyDescription, ""),
	}
}

func printProgress(p netdicom.Progress) {
	vlog.Infof("progress: %v", p)
}

func cEcho() error {
	su := connect(sopclass.VerificationClasses, nil)
	defer su.Release()
	if err := su.CEcho(); err != nil {
		return err
	}
	fmt.Println("C-ECHO ok")
	return nil
}

func cFind() error {
	su := connect(sopclass.QRFindClasses, nil)
	defer su.Release()
	results, err := su.CFind(qrLevel(), queryKeys())
	for i, result := range results {
		if result.Err != nil {
			fmt.Printf("match %d: %v\n", i, result.Err)
			continue
		}
		fmt.Printf("match %d:\n", i)
		for _, elem := range result.Elements {
			fmt.Printf("  %v\n", elem)
		}
	}
	return err
}

func cMove(destination string) error {
	su := connect(sopclass.QRMoveClasses, nil)
	defer su.Release()
	result, err := su.CMove(qrLevel(), destination, queryKeys()[1:3], printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("C-MOVE to %s: %v, %v\n", destination, result.Status, result.Progress)
	return nil
}

func cGet(dir string) error {
	su := connect(sopclass.QRGetClasses, nil)
	defer su.Release()
	result, err := su.CGetToSink(qrLevel(), queryKeys()[1:3], netdicom.DirectorySink{Dir: dir}, printProgress)
	if err != nil {
		return err
	}
	fmt.Printf("C-GET into %s: %v, %v\n", dir, result.Status, result.Progress)
	return nil
}

func cStore(path string) error {
	obj, err := netdicom.LoadStoreObjectFromFile(path)
	if err != nil {
		return err
	}
	su := connect([]sopclass.SOPUID{{Name: sopclass.Name(obj.SOPClassUID), UID: obj.SOPClassUID}},
		append([]string{obj.TransferSyntaxUID}, sopclass.StandardTransferSyntaxes...))
	defer su.Release()
	if err := su.CStore(obj); err != nil {
		return errors.Wrapf(err, "%s: cstore failed", path)
	}
	fmt.Printf("C-STORE %s done\n", path)
	return nil
}

func nDelete(uids []string) error {
	su := connect([]sopclass.SOPUID{{Name: sopclass.Name(*sopClassFlag), UID: *sopClassFlag}}, nil)
	defer su.Release()
	result := su.NDelete(*sopClassFlag, uids)
	for _, item := range result.Items {
		if item.Err != nil {
			fmt.Printf("%s\tFAILED\t%v\n", item.SOPInstanceUID, item.Err)
		} else {
			fmt.Printf("%s\t%v\n", item.SOPInstanceUID, item.Status)
		}
	}
	if n := result.Failed(); n > 0 {
		return errors.Errorf("%d of %d deletions failed", n, len(result.Items))
	}
	return nil
}

func main() {
	flag.Parse()
	vlog.ConfigureLibraryLoggerFromFlags()

	var err error
	switch {
	case *echoFlag:
		err = cEcho()
	case *findFlag:
		err = cFind()
	case *moveFlag != "":
		err = cMove(*moveFlag)
	case *getFlag != "":
		err = cGet(*getFlag)
	case *storeFlag != "":
		err = cStore(*storeFlag)
	case *deleteFlag != "":
		err = nDelete(strings.Split(*deleteFlag, ","))
	default:
		vlog.Fatal("One of -echo, -find, -move, -get, -store or -delete must be set")
	}
	if err != nil {
		vlog.Fatal(err)
	}
}
