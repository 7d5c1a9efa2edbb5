// Command kvdao inspects and maintains kvdao databases: raw partitions,
// index health and engine statistics.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andreyvit/kvdao"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

type app struct {
	cfg *Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "kvdao",
		Short: "Inspect and maintain kvdao databases",
		Long: `kvdao opens a database with the configured engine and works on its raw
partitions. Entities and their index partitions are declared in kvdao.yaml.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging(cfg.level)
			a.cfg = cfg
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Configuration file path")
	pf.StringP("path", "p", "", "Database path")
	pf.StringP("engine", "e", string(kvdao.EngineBolt), "Storage engine (bolt, pebble, badger, memory)")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.BoolP("verbose", "v", false, "Log every database operation")
	pf.StringP("format", "o", "text", "Output format (text, json, yaml)")
	pf.StringP("key-format", "k", "string", "Key and index value format (string, hex, uint64, int64, uuid)")

	rootCmd.AddCommand(
		newPartitionsCmd(a),
		newGetCmd(a),
		newScanCmd(a),
		newIndexCmd(a),
		newStatsCmd(a),
		newDumpCmd(a),
	)
	return rootCmd
}

func setupLogging(level logrus.Level) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logrus.SetLevel(level)
}

// withDB opens the database for the duration of f.
func (a *app) withDB(f func(db *kvdao.DB) error) error {
	scm, err := a.cfg.schema()
	if err != nil {
		return err
	}
	db, err := kvdao.Open(a.cfg.Path, scm, kvdao.Options{
		Engine:  kvdao.EngineKind(a.cfg.Engine),
		Logf:    logrus.Debugf,
		Verbose: a.cfg.Verbose || a.cfg.debug(),
	})
	if err != nil {
		return err
	}
	err = f(db)
	if cerr := db.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (a *app) entity(db *kvdao.DB, name string) (kvdao.EntityInfo, error) {
	ei, found := db.Schema().EntityNamed(name)
	if !found {
		return kvdao.EntityInfo{}, fmt.Errorf("unknown entity %q (declare it under entities in kvdao.yaml)", name)
	}
	return ei, nil
}
