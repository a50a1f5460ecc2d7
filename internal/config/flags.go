package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied on top of the file and environment layers.
type Flags struct {
	ConfigPath    string
	Host          string
	Port          int
	Token         string
	GenerateToken bool
	GDBPath       string
	GDBArgs       string
	StopTimeout   time.Duration
	Root          string
	AnalysisURL   string
	JournalPath   string
	NoJournal     bool
	LogLevel      string
	Dev           bool
}

func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", "", "config file (default ~/.config/gdbrelay/config.yaml)")
	fs.StringVar(&f.Host, "host", "", "listen host")
	fs.IntVar(&f.Port, "port", 0, "listen port (1-65535)")
	fs.StringVar(&f.Token, "token", "", "authentication token (empty disables auth)")
	fs.BoolVar(&f.GenerateToken, "generate-token", false, "generate and persist a token when none is configured")
	fs.StringVar(&f.GDBPath, "gdb", "", "gdb executable")
	fs.StringVar(&f.GDBArgs, "gdb-args", "", "extra gdb arguments, shell quoted")
	fs.DurationVar(&f.StopTimeout, "stop-timeout", 0, "grace period before gdb is killed")
	fs.StringVar(&f.Root, "root", "", "project root exposed by the file API")
	fs.StringVar(&f.AnalysisURL, "analysis-url", "", "crash analysis service base URL")
	fs.StringVar(&f.JournalPath, "journal", "", "sqlite journal path")
	fs.BoolVar(&f.NoJournal, "no-journal", false, "disable the command/log journal")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.BoolVar(&f.Dev, "dev", false, "development logging")
}

func (f *Flags) Apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("host") {
		cfg.Server.Host = f.Host
	}
	if fs.Changed("port") {
		cfg.Server.Port = f.Port
	}
	if fs.Changed("token") {
		cfg.Server.Token = f.Token
	}
	if fs.Changed("gdb") {
		cfg.GDB.Path = f.GDBPath
	}
	if fs.Changed("gdb-args") {
		cfg.GDB.Args = f.GDBArgs
	}
	if fs.Changed("stop-timeout") {
		cfg.GDB.StopTimeout = f.StopTimeout
	}
	if fs.Changed("root") {
		cfg.Files.Root = f.Root
	}
	if fs.Changed("analysis-url") {
		cfg.Analysis.URL = f.AnalysisURL
	}
	if fs.Changed("journal") {
		cfg.Journal.Path = f.JournalPath
	}
	if f.NoJournal {
		cfg.Journal.Enabled = false
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = f.LogLevel
	}
	if fs.Changed("dev") {
		cfg.Logging.Development = f.Dev
	}
}
