// A storage-only DICOM server. Every object received by C-STORE is written
// as a part-10 file named after its SOP instance UID.
//
// Usage: ./storeserver -port 11112 -output /tmp/incoming
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/pacslink/go-netdicom"
	"v.io/x/lib/vlog"
)

var (
	portFlag   = flag.String("port", "10000", "TCP port to listen to")
	aeFlag     = flag.String("ae", "", "AE title of this server. If empty, requests to any AE title are accepted.")
	outputFlag = flag.String("output", ".", "The directory to store received files")
	pduFlag    = flag.Int("max-pdu", 0, "Max PDU size this server is willing to receive. 0 means the library default.")
)

func main() {
	flag.Parse()
	vlog.ConfigureLibraryLoggerFromFlags()
	port := *portFlag
	if !strings.Contains(port, ":") {
		port = ":" + port
	}
	var received atomic.Int64
	d, err := netdicom.NewDispatcher(netdicom.ServiceProviderParams{
		AETitle:    *aeFlag,
		ListenAddr: port,
		MaxPDUSize: *pduFlag,
		Sink:       netdicom.DirectorySink{Dir: *outputFlag},
		OnObjectReceived: func(conn netdicom.ConnectionState, obj netdicom.ReceivedObject) {
			vlog.Infof("%s: wrote %s (%d objects so far)", conn.Label, obj.ID, received.Add(1))
		},
		OnAssociationEnded: func(conn netdicom.ConnectionState, err error) {
			if err != nil {
				vlog.Errorf("%s: %s from %v: %v", conn.Label, conn.CallingAETitle, conn.RemoteAddr, err)
			}
		},
	})
	if err != nil {
		vlog.Fatal(err)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		d.Close()
	}()
	vlog.Infof("Listening on %v, writing to %s", d.ListenAddr(), *outputFlag)
	if err := d.Run(); err != nil {
		vlog.Fatal(err)
	}
	vlog.Infof("Received %d objects", received.Load())
}
