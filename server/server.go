package server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/crystalid/crystalid-ca/ca"
	"github.com/crystalid/crystalid-ca/config"
	dbutil "github.com/crystalid/crystalid-ca/db"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
	"github.com/crystalid/crystalid-ca/metadata"
	"github.com/crystalid/crystalid-ca/policy"
	"github.com/crystalid/crystalid-ca/signer"
	"github.com/crystalid/crystalid-ca/util"
)

const apiPathPrefix = "/api/v1/"

// endpoint is an endpoint method on a server
type endpoint func(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error)

// Server is the crystalid-ca server
type Server struct {
	// The home directory for the server
	HomeDir string
	// The server's configuration
	Config *config.ServerConfig
	// The server mux
	mux *mux.Router
	// The current listener for this server
	listener net.Listener
	// Guards the listener during concurrent Start/Stop
	mutex sync.Mutex
	// An error which occurs when serving
	serverError error

	db          *dbutil.DB
	Authorities *ca.Accessor
	Ledger      *ledger.Accessor
	Signer      *signer.Service
}

// Init initializes a crystalid-ca server
func (s *Server) Init() (err error) {
	err = s.init()
	err2 := s.closeDB()
	if err2 != nil {
		log.Errorf("Close DB failed: %s", err2)
	}
	return err
}

// Initializes the server leaving the DB open
func (s *Server) init() (err error) {
	serverVersion := metadata.GetVersion()
	log.Infof("Server Version: %s", serverVersion)

	err = s.initConfig()
	if err != nil {
		return err
	}
	return s.initDB()
}

func (s *Server) initConfig() (err error) {
	if s.HomeDir == "" {
		s.HomeDir, err = os.Getwd()
		if err != nil {
			return errors.Wrap(err, "Failed to get server's home directory")
		}
	}

	absoluteHomeDir, err := filepath.Abs(s.HomeDir)
	if err != nil {
		return errors.Errorf("Failed to make server's home directory path absolute: %s", err)
	}
	s.HomeDir = absoluteHomeDir

	if s.Config == nil {
		s.Config = new(config.ServerConfig)
	}
	return s.makeFileNamesAbsolute()
}

// initDB opens the database, creating the schema if needed, and wires the
// accessors and the signing service
func (s *Server) initDB() error {
	db, err := dbutil.New(s.Config.DB.Type, s.Config.DB.Datasource)
	if err != nil {
		// The server cannot run without its backing store
		return caerrors.NewFatalError(caerrors.ErrConnectingDB, "Failed to connect to database: %s", err)
	}
	s.db = db
	s.Authorities = ca.NewAccessor(db)
	s.Ledger = ledger.NewAccessor(db)
	s.Signer = signer.NewService(s.Authorities, s.Ledger, &s.Config.Signing, &s.Config.URLs)
	return nil
}

func (s *Server) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Make all file names in the config absolute
func (s *Server) makeFileNamesAbsolute() error {
	log.Debug("Making server filenames absolute")
	fields := []*string{&s.Config.TLS.CertFile, &s.Config.TLS.KeyFile}
	return util.MakeFileNamesAbsolute(fields, s.HomeDir)
}

// Start the crystalid-ca server
func (s *Server) Start() (err error) {
	log.Infof("Starting server in home directory: %s", s.HomeDir)

	s.serverError = nil
	if s.listener != nil {
		return errors.New("server is already started")
	}

	err = s.init()
	if err != nil {
		err2 := s.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}

	s.registerHandlers()

	err = s.listenAndServe()
	if err != nil {
		err2 := s.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}
	return nil
}

// Stop the server
func (s *Server) Stop() error {
	err := s.closeListener()
	if err != nil {
		return err
	}

	log.Debugf("Stop: successful stop on port %d", s.Config.Port)

	err = s.closeDB()
	if err != nil {
		log.Errorf("Close DB failed: %s", err)
	}
	return nil
}

// Starting listening and serving
func (s *Server) listenAndServe() (err error) {
	var listener net.Listener

	c := s.Config
	if c.Address == "" {
		c.Address = config.DefaultServerAddr
	}
	if c.Port == 0 {
		c.Port = config.DefaultServerPort
	}
	addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
	var addrStr string

	if c.TLS.Enabled {
		log.Debug("TLS is enabled")
		addrStr = fmt.Sprintf("https://%s", addr)

		if !util.FileExists(c.TLS.KeyFile) {
			return errors.Errorf("File specified by 'tls.keyfile' does not exist: %s", c.TLS.KeyFile)
		} else if !util.FileExists(c.TLS.CertFile) {
			return errors.Errorf("File specified by 'tls.certfile' does not exist: %s", c.TLS.CertFile)
		}
		log.Debugf("TLS Certificate: %s, TLS Key: %s", c.TLS.CertFile, c.TLS.KeyFile)

		cer, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return errors.Wrap(err, "Failed to load TLS key pair")
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cer},
			MinVersion:   tls.VersionTLS12,
		}

		listener, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return errors.Wrapf(err, "TLS listen failed for %s", addrStr)
		}
	} else {
		addrStr = fmt.Sprintf("http://%s", addr)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "TCP listen failed for %s", addrStr)
		}
	}
	s.listener = listener
	log.Infof("Listening on %s", addrStr)
	return s.serve()
}

func (s *Server) serve() error {
	listener := s.listener
	if listener == nil {
		return nil
	}
	s.serverError = http.Serve(listener, s.mux)
	log.Errorf("Server has stopped serving: %s", s.serverError)
	s.closeListener()
	err := s.closeDB()
	if err != nil {
		log.Errorf("Close DB failed: %s", err)
	}
	return s.serverError
}

// Closes the listening endpoint
func (s *Server) closeListener() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	port := s.Config.Port
	if s.listener == nil {
		msg := fmt.Sprintf("Stop: listener was already closed on port %d", port)
		log.Debug(msg)
		return errors.New(msg)
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil {
		log.Debugf("Stop: failed to close listener on port %d: %s", port, err)
		return err
	}
	log.Debugf("Stop: successfully closed listener on port %d", port)
	return nil
}

func (s *Server) registerHandlers() {
	s.mux = mux.NewRouter()
	s.registerHandler("issue", issueHandler, http.MethodPost)
	s.registerHandler("revoke", revokeHandler, http.MethodPost)

	// Binary protocol endpoints bypass the JSON envelope
	s.mux.HandleFunc("/ocsp", s.ocspHandler).Methods(http.MethodPost)
	s.mux.HandleFunc("/ocsp/{request}", s.ocspGetHandler).Methods(http.MethodGet)
	s.mux.HandleFunc("/crl/{slug}.crl", s.crlHandler).Methods(http.MethodGet)
	s.mux.HandleFunc("/ca/{slug}.crt", s.caCertDERHandler).Methods(http.MethodGet)
	s.mux.HandleFunc("/ca/{slug}.pem", s.caCertPEMHandler).Methods(http.MethodGet)
}

func (s *Server) registerHandler(path string, e endpoint, methods ...string) {
	bound := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return e(s, resp, req)
	}
	s.mux.Handle("/"+path, s.wrap(bound)).Methods(methods...)
	s.mux.Handle(apiPathPrefix+path, s.wrap(bound)).Methods(methods...)
}

// jsonError is one entry of the response error list. Policy rejections carry
// a field, everything else a code.
type jsonError struct {
	Code    int    `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (s *Server) wrap(handler func(http.ResponseWriter, *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("Received request for %s", r.URL.String())
		resp, err := handler(w, r)

		w.Header().Set("Connection", "Keep-Alive")
		w.Header().Set("Content-Type", "application/json")

		var jsonErrs []jsonError
		statusCode := http.StatusOK
		if err != nil {
			if rej, ok := policy.IsRejection(err); ok {
				// The request was well-formed but policy refuses issuance
				statusCode = http.StatusUnprocessableEntity
				for _, f := range rej.Fields {
					jsonErrs = append(jsonErrs, jsonError{Field: f.Field, Message: f.Message})
				}
			} else {
				he := getHTTPErr(err)
				statusCode = he.GetStatusCode()
				jsonErrs = append(jsonErrs, jsonError{Code: he.GetRemoteCode(), Message: he.GetRemoteMsg()})
			}
		}

		w.WriteHeader(statusCode)
		if err != nil {
			log.Infof(`%s %s %s %d "%s"`, r.RemoteAddr, r.Method, r.URL, statusCode, err)
		} else {
			log.Infof(`%s %s %s %d "OK"`, r.RemoteAddr, r.Method, r.URL, statusCode)
		}

		w.Write([]byte(`{"result":`))
		if resp != nil {
			s.writeJSON(resp, w)
		} else {
			w.Write([]byte(`""`))
		}
		w.Write([]byte(`,"errors":`))
		if jsonErrs != nil {
			s.writeJSON(jsonErrs, w)
		} else {
			w.Write([]byte(`[]`))
		}
		w.Write([]byte(`,"success":`))
		if err != nil {
			w.Write([]byte(`false}`))
		} else {
			w.Write([]byte(`true}`))
		}
	}
}

func (s *Server) writeJSON(obj interface{}, w http.ResponseWriter) {
	enc := json.NewEncoder(w)
	err := enc.Encode(obj)
	if err != nil {
		log.Errorf("Failed encoding response to JSON: %s", err)
	}
}

func getHTTPErr(err error) *caerrors.HTTPErr {
	if err == nil {
		return nil
	}
	type causer interface {
		Cause() error
	}

	curErr := err
	for curErr != nil {
		switch curErr.(type) {
		case *caerrors.HTTPErr:
			return curErr.(*caerrors.HTTPErr)
		case causer:
			curErr = curErr.(causer).Cause()
		default:
			return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, err.Error())
		}
	}

	return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "nil error")
}
