// A program that sends DICOM files to a remote provider with C-STORE, one
// association for the whole list, and prints the outcome of every file.
//
// Usage: ./storeclient -server localhost:11112 a.dcm b.dcm ...
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/sopclass"
	"golang.org/x/exp/slices"
	"v.io/x/lib/vlog"
)

var (
	serverFlag  = flag.String("server", "", "host:port of the DICOM service provider")
	calledFlag  = flag.String("called-ae", "dontcare", "AE title of the provider")
	callingFlag = flag.String("calling-ae", "storeclient", "AE title of this client")
)

// proposal lists the SOP classes and transfer syntaxes needed for objects.
func proposal(objects []netdicom.StoreObject) (sopClasses []sopclass.SOPUID, transferSyntaxes []string) {
	for _, obj := range objects {
		if !slices.ContainsFunc(sopClasses, func(e sopclass.SOPUID) bool { return e.UID == obj.SOPClassUID }) {
			sopClasses = append(sopClasses, sopclass.SOPUID{Name: sopclass.Name(obj.SOPClassUID), UID: obj.SOPClassUID})
		}
		if !slices.Contains(transferSyntaxes, obj.TransferSyntaxUID) {
			transferSyntaxes = append(transferSyntaxes, obj.TransferSyntaxUID)
		}
	}
	for _, uid := range sopclass.StandardTransferSyntaxes {
		if !slices.Contains(transferSyntaxes, uid) {
			transferSyntaxes = append(transferSyntaxes, uid)
		}
	}
	return sopClasses, transferSyntaxes
}

func main() {
	flag.Parse()
	vlog.ConfigureLibraryLoggerFromFlags()
	if *serverFlag == "" || flag.NArg() == 0 {
		vlog.Fatal("Usage: storeclient -server host:port file...")
	}

	failed := 0
	var objects []netdicom.StoreObject
	for _, path := range flag.Args() {
		obj, err := netdicom.LoadStoreObjectFromFile(path)
		if err != nil {
			fmt.Printf("%s\tFAILED\t%v\n", path, err)
			failed++
			continue
		}
		objects = append(objects, obj)
	}
	if len(objects) == 0 {
		os.Exit(1)
	}

	sopClasses, transferSyntaxes := proposal(objects)
	params, err := netdicom.NewServiceUserParams(*calledFlag, *callingFlag, sopClasses, transferSyntaxes)
	if err != nil {
		vlog.Fatal(err)
	}
	su := netdicom.NewServiceUser(params)
	if err := su.Connect(*serverFlag); err != nil {
		vlog.Fatalf("%s: %v", *serverFlag, err)
	}
	_, err = su.StoreAll(objects, func(r netdicom.StoreReport) {
		if r.Err != nil {
			failed++
			fmt.Printf("%s\tFAILED\t%v\n", r.Label, r.Err)
			return
		}
		fmt.Printf("%s\tOK\t%s %v\n", r.Label, r.SOPInstanceUID, r.Status)
	})
	if err != nil {
		vlog.Errorf("association failed: %v", err)
	}
	fmt.Printf("%d of %d files stored\n", flag.NArg()-failed, flag.NArg())
	if failed > 0 {
		os.Exit(1)
	}
}
