package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crystalid/crystalid-ca/api"
	"github.com/crystalid/crystalid-ca/ca"
	"github.com/crystalid/crystalid-ca/config"
	dbutil "github.com/crystalid/crystalid-ca/db"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/metadata"
	"github.com/crystalid/crystalid-ca/server"
	"github.com/crystalid/crystalid-ca/util"
)

const (
	version = "version"
)

// ServerCmd encapsulates cobra command that provides command line interface
// for the crystalid CA server
type ServerCmd struct {
	name          string
	rootCmd       *cobra.Command
	v             *viper.Viper
	cfgFileName   string
	homeDirectory string
	cfg           *config.ServerConfig

	// genca flags
	gencaCN       string
	gencaTypes    []string
	gencaYears    int
	gencaActivate bool
}

// NewCommand returns new ServerCmd ready for running
func NewCommand(name string) *ServerCmd {
	s := &ServerCmd{
		name: name,
		v:    viper.New(),
	}
	s.init()
	return s
}

// Execute runs this ServerCmd
func (s *ServerCmd) Execute() error {
	return s.rootCmd.Execute()
}

func (s *ServerCmd) init() {
	// root command
	rootCmd := &cobra.Command{
		Use:   cmdName,
		Short: longName,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := s.configInit()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if s.v.GetBool("debug") {
				log.Level = log.LevelDebug
			}
			return nil
		},
	}
	s.rootCmd = rootCmd

	initCmd := &cobra.Command{
		Use:   "init",
		Short: fmt.Sprintf("Initialize the %s", shortName),
		Long:  "Create the configuration file and database schema if they don't already exist",
	}
	initCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, initCmd.UsageString())
		}
		err := s.getServer().Init()
		if err != nil {
			util.Fatal("Initialization failure: %s", err)
		}
		log.Info("Initialization was successful")
		return nil
	}
	s.rootCmd.AddCommand(initCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start the %s", shortName),
	}
	startCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, startCmd.UsageString())
		}
		err := s.getServer().Start()
		if err != nil && caerrors.IsFatalError(err) {
			util.Fatal("Server failure: %s", err)
		}
		return err
	}
	s.rootCmd.AddCommand(startCmd)

	gencaCmd := &cobra.Command{
		Use:   "genca <slug>",
		Short: "Generate a new certificate authority",
		Long:  "Generate a self-signed root CA, store it in the database, and optionally activate it",
	}
	gencaCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.Errorf("Expected exactly one argument, the CA slug\n\n%s", gencaCmd.UsageString())
		}
		return s.genCA(args[0])
	}
	gencaCmd.Flags().StringVar(&s.gencaCN, "cn", "", "Common name of the CA certificate (defaults to the slug)")
	gencaCmd.Flags().StringSliceVar(&s.gencaTypes, "types", []string{api.CertTypeUser, api.CertTypeCharacter}, "Certificate types the CA may sign")
	gencaCmd.Flags().IntVar(&s.gencaYears, "years", 10, "Validity of the CA certificate in years")
	gencaCmd.Flags().BoolVar(&s.gencaActivate, "activate", true, "Mark the CA active for issuance")
	s.rootCmd.AddCommand(gencaCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints crystalid CA Server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(metadata.GetVersionInfo(cmdName))
		},
	}
	s.rootCmd.AddCommand(versionCmd)
	s.registerFlags()
}

// registers command flags with viper
func (s *ServerCmd) registerFlags() {
	cfg := defaultConfigFile()

	s.v.SetEnvPrefix(envVarPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", fmt.Sprintf("Server's home directory (default \"%s\")", filepath.Dir(cfg)))

	s.cfg = &config.ServerConfig{}
	err := util.RegisterFlags(s.v, pflags, s.cfg)
	if err != nil {
		panic(err)
	}
}

// genCA generates a self-signed root and stores it as a new authority
func (s *ServerCmd) genCA(slug string) error {
	cn := s.gencaCN
	if cn == "" {
		cn = slug
	}

	certPEM, keyPEM, err := ca.GenerateSelfSigned(cn, time.Duration(s.gencaYears)*365*24*time.Hour)
	if err != nil {
		return err
	}

	authority, err := ca.NewAuthority(slug, certPEM, keyPEM, s.gencaTypes)
	if err != nil {
		return err
	}
	authority.Active = s.gencaActivate

	db, err := dbutil.New(s.cfg.DB.Type, s.cfg.DB.Datasource)
	if err != nil {
		return err
	}
	defer db.Close()

	err = ca.NewAccessor(db).Insert(authority)
	if err != nil {
		return err
	}

	log.Infof("Generated CA '%s' (id %s, active %t, types %s)", slug, authority.ID, authority.Active, strings.Join(authority.PermittedTypes, ","))
	fmt.Printf("CA '%s' created with certificate fingerprint %s\n", slug, authority.CertificateFingerprint)
	return nil
}

// Configuration file is not required for some commands like version
func (s *ServerCmd) configRequired() bool {
	return s.name != version
}

// getServer returns a server.Server for the init and start commands
func (s *ServerCmd) getServer() *server.Server {
	return &server.Server{
		HomeDir: s.homeDirectory,
		Config:  s.cfg,
	}
}
