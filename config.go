package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"

	"github.com/crystalid/crystalid-ca/config"
	"github.com/crystalid/crystalid-ca/metadata"
	"github.com/crystalid/crystalid-ca/util"
)

const (
	cmdName      = "crystalid-ca"
	shortName    = "crystalid-ca server"
	longName     = "CrystalID Certificate Authority Server"
	envVarPrefix = "CRYSTALID_CA"
)

const (
	defaultCfgTemplate = `# Version of config file
version: <<<VERSION>>>

# Server's listening port (default: 8054)
port: 8054

# Bind address for the listening port (default: 0.0.0.0)
address: 0.0.0.0

#############################################################################
#  TLS section for the server's listening port
#############################################################################
tls:
  # Enable TLS (default: false)
  enabled: false
  # TLS for the server's listening port
  certfile:
  keyfile:

#############################################################################
#  Signing section
#
#  Issued certificates live for 'validity'. 'backdate' is subtracted from
#  the signing time to produce notBefore, tolerating clock skew between this
#  server and relying parties. 'activecertificatelimit' caps how many
#  non-revoked, non-expired certificates one subject may hold through one
#  requesting application. 'statusvalidity' sets the nextUpdate horizon on
#  OCSP responses and CRLs.
#############################################################################
signing:
  validity: 8760h
  backdate: 30s
  activecertificatelimit: 2
  statusvalidity: 24h

#############################################################################
#  URLs section
#
#  'base' is the externally reachable base URL of this service; it is
#  embedded into issued certificates as the OCSP responder, CRL distribution
#  point and CA-certificate URLs. 'identity' is the base for subject
#  alternative name URIs. Both are static on purpose: a certificate's bytes
#  must not depend on which hostname a client used to reach the service.
#############################################################################
urls:
  base: <<<BASEURL>>>
  identity: https://crystalid.example.com

#############################################################################
#  Database section
#  Supported types are: "sqlite3", "postgres", and "mysql".
#  The datasource value depends on the type.
#############################################################################
db:
  type: <<<DATABASETYPE>>>
  datasource: <<<DATASOURCE>>>
`
)

var (
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"
)

// Initialize config
func (s *ServerCmd) configInit() (err error) {
	if !s.configRequired() {
		return nil
	}

	s.cfgFileName, s.homeDirectory, err = validateAndReturnAbsConf(s.cfgFileName, s.homeDirectory, cmdName)
	if err != nil {
		return err
	}

	s.v.AutomaticEnv()
	logLevel := s.v.GetString("loglevel")
	setLogLevel(logLevel)

	log.Debugf("Home directory: %s", s.homeDirectory)

	if !util.FileExists(s.cfgFileName) {
		err = s.createDefaultConfigFile()
		if err != nil {
			return errors.WithMessage(err, "Failed to create default configuration file")
		}
		log.Infof("Created default configuration file at %s", s.cfgFileName)
	} else {
		log.Infof("Configuration file location: %s", s.cfgFileName)
	}

	err = config.UnmarshalConfig(s.cfg, s.v, s.cfgFileName)
	if err != nil {
		return err
	}

	return nil
}

func (s *ServerCmd) createDefaultConfigFile() error {
	dtype := s.v.GetString("db.type")
	if dtype == "" {
		dtype = "sqlite3"
	}
	ds := s.v.GetString("db.datasource")
	if ds == "" {
		ds = "crystalid-ca.db"
	}
	base := s.v.GetString("urls.base")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", config.DefaultServerPort)
	}

	cfg := strings.Replace(defaultCfgTemplate, "<<<VERSION>>>", metadata.Version, 1)
	cfg = strings.Replace(cfg, "<<<DATABASETYPE>>>", dtype, 1)
	cfg = strings.Replace(cfg, "<<<DATASOURCE>>>", ds, 1)
	cfg = strings.Replace(cfg, "<<<BASEURL>>>", base, 1)
	cfgDir := filepath.Dir(s.cfgFileName)
	err := os.MkdirAll(cfgDir, 0755)
	if err != nil {
		return err
	}

	return os.WriteFile(s.cfgFileName, []byte(cfg), 0644)
}

func setLogLevel(logLevel string) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		log.Level = log.LevelInfo
	case "WARNING":
		log.Level = log.LevelWarning
	case "DEBUG":
		log.Level = log.LevelDebug
	case "ERROR":
		log.Level = log.LevelError
	case "CRITICAL":
		log.Level = log.LevelCritical
	case "FATAL":
		log.Level = log.LevelFatal
	default:
		log.Level = log.LevelInfo
	}
}

// checks to see that there are no conflicts between the configuration file path and home directory.
// If no conflicts, returns back the absolute path for the configuration file and home directory.
func validateAndReturnAbsConf(configFilePath, homeDir, cmdName string) (string, string, error) {
	var err error
	var homeDirSet bool
	var configFileSet bool

	defaultConfig := defaultConfigFile()
	if configFilePath == "" {
		configFilePath = defaultConfig
	} else {
		configFileSet = true
	}

	if homeDir == "" {
		homeDir = filepath.Dir(defaultConfig)
	} else {
		homeDirSet = true
	}

	homeDir, err = filepath.Abs(homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of config file")
	}
	homeDir = strings.TrimRight(homeDir, string(os.PathSeparator))

	if configFileSet && homeDirSet {
		log.Warning("Using both --config and --home CLI flags; --config will take precedence")
	}

	if configFileSet {
		configFilePath, err = filepath.Abs(configFilePath)
		if err != nil {
			return "", "", errors.Wrap(err, "Failed to get full path of configuration file")
		}
		return configFilePath, filepath.Dir(configFilePath), nil
	}

	configFile := filepath.Join(homeDir, filepath.Base(defaultConfig))
	return configFile, homeDir, nil
}

func defaultConfigFile() string {
	fname := fmt.Sprintf("%s-config.yaml", cmdName)
	home := "."
	envs := []string{"CRYSTALID_CA_SERVER_HOME", "CRYSTALID_CA_HOME", "CA_CFG_PATH"}
	for _, env := range envs {
		envVal := os.Getenv(env)
		if envVal != "" {
			home = envVal
			break
		}
	}
	return filepath.Join(home, fname)
}
