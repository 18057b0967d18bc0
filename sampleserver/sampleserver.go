package main

// A simple PACS server.
//
// Usage: ./sampleserver -dir <directory> -port 11111
//
// It starts a DICOM server that serves files under <directory>. Objects are
// indexed in a badger database (in memory unless -db is set); objects
// received by C-STORE are added to it and can be found, moved, fetched with
// C-GET and deleted.

import (
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pacslink/go-netdicom"
	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"v.io/x/lib/vlog"
)

var (
	configFlag   = flag.String("config", "", "YAML file with the server settings. Flags set on the command line take precedence.")
	portFlag     = flag.String("port", "10000", "TCP port to listen to")
	aeFlag       = flag.String("ae", "bogusae", "AE title of this server")
	remoteAEFlag = flag.String("remote-ae", "GBMAC0261:localhost:11112", `
Comma-separated list of remote AEs, in form aetitle:host:port, For example -remote-ae testae:foo.example.com:12345,testae2:bar.example.com:23456.
In this example, a C-MOVE request to application entity "testae" will resolve to foo.example.com:12345.`)
	dirFlag = flag.String("dir", ".", `
The directory to locate DICOM files to report in C-FIND, C-MOVE, etc.
Files are searched recursively under this directory.
Defaults to '.'.`)
	dbFlag = flag.String("db", "", `
The directory of the object database. Objects received by C-STORE are kept there.
If empty, the database lives in memory and is lost on exit.`)
	tlsCertFlag = flag.String("tls-cert", "", "PEM certificate. If set with -tls-key, the server accepts TLS only.")
	tlsKeyFlag  = flag.String("tls-key", "", "PEM private key for -tls-cert.")
)

// config is the content of the -config file.
type config struct {
	Port      string            `yaml:"port"`
	AETitle   string            `yaml:"ae"`
	RemoteAEs map[string]string `yaml:"remote_aes"`
	Dir       string            `yaml:"dir"`
	DB        string            `yaml:"db"`
	TLSCert   string            `yaml:"tls_cert"`
	TLSKey    string            `yaml:"tls_key"`

	MaxPDUSize                 int      `yaml:"max_pdu_size"`
	CompressedTransferSyntaxes []string `yaml:"compressed_transfer_syntaxes"`
}

func loadConfig(path string) (config, error) {
	var c config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "%s", path)
	}
	return c, nil
}

// settings merges the config file with the flags. A flag wins if it was set
// explicitly or the file leaves the value empty.
func settings(c config, set map[string]bool) (config, error) {
	pick := func(name, fromFile, fromFlag string) string {
		if set[name] || fromFile == "" {
			return fromFlag
		}
		return fromFile
	}
	c.Port = pick("port", c.Port, *portFlag)
	c.AETitle = pick("ae", c.AETitle, *aeFlag)
	c.Dir = pick("dir", c.Dir, *dirFlag)
	c.DB = pick("db", c.DB, *dbFlag)
	c.TLSCert = pick("tls-cert", c.TLSCert, *tlsCertFlag)
	c.TLSKey = pick("tls-key", c.TLSKey, *tlsKeyFlag)
	if set["remote-ae"] || c.RemoteAEs == nil {
		remoteAEs, err := netdicom.ParseRemoteAEs(*remoteAEFlag)
		if err != nil {
			return c, errors.Wrap(err, "-remote-ae")
		}
		c.RemoteAEs = remoteAEs
	}
	return c, nil
}

// Find DICOM files in or under "dir". A directory that contains a DICOMDIR
// file contributes all of its files; elsewhere only "*.dcm" files count.
func listDicomFiles(dir string) ([]string, error) {
	var paths []string
	seen := map[string]bool{}
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	walkCallback := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			vlog.Errorf("%v: skip file: %v", path, err)
			return nil
		}
		if info.IsDir() {
			if _, err := os.Stat(filepath.Join(path, "DICOMDIR")); err != nil {
				return nil
			}
			subpaths, err := filepath.Glob(filepath.Join(path, "*"))
			if err != nil {
				vlog.Errorf("%v: glob: %v", path, err)
				return nil
			}
			for _, subpath := range subpaths {
				if st, err := os.Stat(subpath); err == nil && !st.IsDir() && filepath.Base(subpath) != "DICOMDIR" {
					add(subpath)
				}
			}
			return nil
		}
		if strings.HasSuffix(path, ".dcm") {
			add(path)
		}
		return nil
	}
	if err := filepath.Walk(dir, walkCallback); err != nil {
		return nil, err
	}
	return paths, nil
}

// loadFiles adds the files under dir to store and returns how many were
// loaded. Unparsable files are skipped.
func loadFiles(store *storage.Store, dir string) (int, error) {
	paths, err := listDicomFiles(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range paths {
		obj, err := netdicom.LoadStoreObjectFromFile(path)
		if err != nil {
			vlog.Errorf("%s: failed to parse dicom file: %v", path, err)
			continue
		}
		if err := store.Put(obj); err != nil {
			vlog.Errorf("%s: %v", path, err)
			continue
		}
		vlog.VI(1).Infof("%s: read dicom file", path)
		n++
	}
	return n, nil
}

func canonicalizeHostPort(addr string) string {
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}

func main() {
	flag.Parse()
	vlog.ConfigureLibraryLoggerFromFlags()

	var c config
	if *configFlag != "" {
		var err error
		if c, err = loadConfig(*configFlag); err != nil {
			vlog.Fatal(err)
		}
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	c, err := settings(c, set)
	if err != nil {
		vlog.Fatal(err)
	}

	store, err := storage.Open(storage.Options{Dir: c.DB})
	if err != nil {
		vlog.Fatalf("open database: %v", err)
	}
	defer store.Close()
	n, err := loadFiles(store, c.Dir)
	if err != nil {
		vlog.Fatalf("%s: Failed to list dicom files: %v", c.Dir, err)
	}
	total, err := store.Len()
	if err != nil {
		vlog.Fatal(err)
	}
	vlog.Infof("Loaded %d files from %s; %d objects in the database", n, c.Dir, total)

	params := netdicom.ServiceProviderParams{
		AETitle:                    c.AETitle,
		ListenAddr:                 canonicalizeHostPort(c.Port),
		MaxPDUSize:                 c.MaxPDUSize,
		CompressedTransferSyntaxes: c.CompressedTransferSyntaxes,
		RemoteAEs:                  netdicom.StaticResolver(c.RemoteAEs),
		Sink:                       store,
		CEcho: func(conn netdicom.ConnectionState) dimse.Status {
			vlog.Infof("%s: Received C-ECHO from %s", conn.Label, conn.CallingAETitle)
			return dimse.Success
		},
		CFind:   store.CFind,
		CMove:   store.CRetrieve,
		CGet:    store.CRetrieve,
		NDelete: store.NDelete,
		OnObjectReceived: func(conn netdicom.ConnectionState, obj netdicom.ReceivedObject) {
			vlog.Infof("%s: stored %s", conn.Label, obj.ID)
		},
		OnProgress: func(conn netdicom.ConnectionState, messageID dimse.MessageID, progress netdicom.Progress) {
			vlog.VI(1).Infof("%s: message %d: %v", conn.Label, messageID, progress)
		},
	}
	if c.TLSCert != "" || c.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			vlog.Fatalf("load TLS key pair: %v", err)
		}
		params.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	d, err := netdicom.NewDispatcher(params)
	if err != nil {
		vlog.Fatal(err)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		vlog.Infof("Received %v, shutting down", sig)
		d.Close()
	}()
	vlog.Infof("Listening on %v", d.ListenAddr())
	if err := d.Run(); err != nil {
		vlog.Error(err)
	}
}
