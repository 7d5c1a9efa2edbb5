package main

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andreyvit/kvdao"
	"github.com/andreyvit/kvdao/promstats"
)

func newPartitionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List and create partitions",
	}

	type partitionInfo struct {
		Name string `json:"name" yaml:"name"`
		Keys int    `json:"keys" yaml:"keys"`
		Size int64  `json:"size" yaml:"size"`
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List partitions with key counts and sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *kvdao.DB) error {
				names, err := db.Engine().Partitions()
				if err != nil {
					return err
				}
				infos := []partitionInfo{}
				for _, name := range names {
					ps, err := db.Engine().PartitionStats(name)
					if err != nil {
						return err
					}
					infos = append(infos, partitionInfo{name, ps.Keys, ps.Size})
				}
				return writeValue(cmd.OutOrStdout(), a.cfg.Format, infos, func(w io.Writer) error {
					for _, pi := range infos {
						fmt.Fprintf(w, "%s\t%d keys\t%d bytes\n", pi.Name, pi.Keys, pi.Size)
					}
					return nil
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME...",
		Short: "Create partitions that don't exist yet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *kvdao.DB) error {
				for _, name := range args {
					if name == "" || strings.IndexByte(name, kvdao.Separator) >= 0 {
						return fmt.Errorf("invalid partition name %q", name)
					}
					if err := db.Engine().CreatePartition(name); err != nil {
						return err
					}
					logrus.Infof("created partition %s", name)
				}
				return nil
			})
		},
	})
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get PARTITION KEY",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(a.cfg.KeyFormat, args[1])
			if err != nil {
				return err
			}
			return a.withDB(func(db *kvdao.DB) error {
				raw, err := db.Autocommit().Get(args[0], key)
				if err != nil {
					return err
				}
				if raw == nil {
					return fmt.Errorf("%s/%s: not found", args[0], formatKey(a.cfg.KeyFormat, key))
				}
				return writeRows(cmd.OutOrStdout(), a.cfg.Format, []row{{Key: formatKey(a.cfg.KeyFormat, key), Value: kvdao.DescribeValue(raw)}})
			})
		},
	}
}

type scanFlags struct {
	from, to, prefix string
	reverse          bool
	limit            int
}

func (f *scanFlags) register(cmd *cobra.Command, what string) {
	cmd.Flags().StringVar(&f.from, "from", "", "Lowest "+what+" (inclusive)")
	cmd.Flags().StringVar(&f.to, "to", "", "Highest "+what+" (exclusive)")
	cmd.Flags().BoolVarP(&f.reverse, "reverse", "r", false, "Scan in descending order")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Maximum number of entries (0 means all)")
}

func (f *scanFlags) keyRange(cmd *cobra.Command, format string) (kvdao.RawRange, error) {
	var rang kvdao.RawRange
	var err error
	if cmd.Flags().Changed("from") {
		if rang.Lower, err = parseKey(format, f.from); err != nil {
			return rang, err
		}
		rang.LowerInc = true
	}
	if cmd.Flags().Changed("to") {
		if rang.Upper, err = parseKey(format, f.to); err != nil {
			return rang, err
		}
	}
	if cmd.Flags().Changed("prefix") {
		if rang.Prefix, err = parseKey(format, f.prefix); err != nil {
			return rang, err
		}
	}
	return rang, nil
}

func newScanCmd(a *app) *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan PARTITION",
		Short: "List the keys and values of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rang, err := f.keyRange(cmd, a.cfg.KeyFormat)
			if err != nil {
				return err
			}
			return a.withDB(func(db *kvdao.DB) error {
				var rows []row
				err := db.Read(func(s kvdao.Session) error {
					c, err := kvdao.ScanRaw(s, kvdao.ScanTarget{Primary: args[0]}, kvdao.RawQuery{
						Range:   rang,
						Limit:   f.limit,
						Reverse: f.reverse,
						Debug:   a.cfg.debug(),
					})
					if err != nil {
						return err
					}
					defer c.Close()
					for c.Next() {
						rows = append(rows, row{Key: formatKey(a.cfg.KeyFormat, c.Key()), Value: kvdao.DescribeValue(c.Value())})
					}
					return c.Err()
				})
				if err != nil {
					return err
				}
				return writeRows(cmd.OutOrStdout(), a.cfg.Format, rows)
			})
		},
	}
	f.register(cmd, "key")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Only keys starting with this prefix")
	return cmd
}

func newIndexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query and check secondary indexes",
	}
	cmd.AddCommand(newIndexScanCmd(a), newIndexCheckCmd(a))
	return cmd
}

func newIndexScanCmd(a *app) *cobra.Command {
	var f scanFlags
	var eq, pkFormat string
	cmd := &cobra.Command{
		Use:   "scan ENTITY INDEX",
		Short: "List the records found through an index",
		Long: `Lists records whose indexed value equals --eq, or lies between --from and
--to (both inclusive), in index order. Values are parsed with --key-format and
escaped the way the *Value encoders escape them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pred kvdao.IndexPredicate
			if cmd.Flags().Changed("eq") {
				v, err := parseKey(a.cfg.KeyFormat, eq)
				if err != nil {
					return err
				}
				pred = kvdao.Eq(args[1], kvdao.BytesValue(v))
			} else {
				var from, to []byte
				if cmd.Flags().Changed("from") {
					v, err := parseKey(a.cfg.KeyFormat, f.from)
					if err != nil {
						return err
					}
					from = kvdao.BytesValue(v)
				}
				if cmd.Flags().Changed("to") {
					v, err := parseKey(a.cfg.KeyFormat, f.to)
					if err != nil {
						return err
					}
					to = kvdao.BytesValue(v)
				}
				pred = kvdao.IndexRange(args[1], from, true, to, true)
			}

			if pkFormat == "" {
				pkFormat = a.cfg.KeyFormat
			}
			return a.withDB(func(db *kvdao.DB) error {
				ei, err := a.entity(db, args[0])
				if err != nil {
					return err
				}
				var rows []row
				err = db.Read(func(s kvdao.Session) error {
					c, err := kvdao.ScanRaw(s, ei.Target(), kvdao.RawQuery{
						Predicate: pred,
						Limit:     f.limit,
						Reverse:   f.reverse,
						Debug:     a.cfg.debug(),
					})
					if err != nil {
						return err
					}
					defer c.Close()
					for c.Next() {
						rows = append(rows, row{
							Index: kvdao.DescribeIndexKey(c.IndexKey()),
							Key:   formatKey(pkFormat, c.Key()),
							Value: kvdao.DescribeValue(c.Value()),
						})
					}
					if n := c.Stale() + c.Malformed(); n > 0 {
						logrus.Warnf("%s.%s: skipped %d stale and %d malformed index entries", ei.Name, args[1], c.Stale(), c.Malformed())
					}
					return c.Err()
				})
				if err != nil {
					return err
				}
				return writeRows(cmd.OutOrStdout(), a.cfg.Format, rows)
			})
		},
	}
	f.register(cmd, "indexed value")
	cmd.Flags().Lookup("to").Usage = "Highest indexed value (inclusive)"
	cmd.Flags().StringVar(&eq, "eq", "", "Indexed value to look up")
	cmd.Flags().StringVar(&pkFormat, "pk-format", "", "Primary key format (defaults to --key-format)")
	return cmd
}

func newIndexCheckCmd(a *app) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "check ENTITY [INDEX...]",
		Short: "Report stale and malformed index entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *kvdao.DB) error {
				ei, err := a.entity(db, args[0])
				if err != nil {
					return err
				}
				var reports []kvdao.IndexReport
				for _, ii := range ei.Indexes {
					if len(args) > 1 && !slices.Contains(args[1:], ii.Name) {
						continue
					}
					if repair {
						err := db.Tx(kvdao.TxOptions{}, func(s *kvdao.TxSession) error {
							n, err := kvdao.RepairIndexPartition(s, ei.Partition, ii.Partition)
							if n > 0 {
								logrus.Infof("%s.%s: removed %d broken entries", ei.Name, ii.Name, n)
							}
							return err
						})
						if err != nil {
							return err
						}
					}
					r, err := kvdao.CheckIndexPartition(db.Autocommit(), ei.Partition, ii.Partition)
					if err != nil {
						return err
					}
					r.Index = ii.Name
					reports = append(reports, r)
				}
				if len(reports) == 0 {
					return fmt.Errorf("%s has no indexes named %s", ei.Name, strings.Join(args[1:], ", "))
				}

				err = writeValue(cmd.OutOrStdout(), a.cfg.Format, reports, func(w io.Writer) error {
					for _, r := range reports {
						fmt.Fprintln(w, r.String())
					}
					return nil
				})
				if err != nil {
					return err
				}
				var broken int
				for _, r := range reports {
					if !r.OK() {
						broken++
					}
				}
				if broken > 0 {
					return fmt.Errorf("%d of %d indexes have broken entries (run with --repair to remove them)", broken, len(reports))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Delete stale and malformed entries before checking")
	return cmd
}

type metricSample struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Value  float64           `json:"value" yaml:"value"`
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print database counters and per-entity sizes as Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *kvdao.DB) error {
				reg := prometheus.NewRegistry()
				if err := reg.Register(promstats.NewCollector(db, "")); err != nil {
					return err
				}
				families, err := reg.Gather()
				if err != nil {
					return err
				}
				samples := []metricSample{}
				for _, mf := range families {
					for _, m := range mf.GetMetric() {
						s := metricSample{Name: mf.GetName()}
						for _, lp := range m.GetLabel() {
							if s.Labels == nil {
								s.Labels = make(map[string]string)
							}
							s.Labels[lp.GetName()] = lp.GetValue()
						}
						switch {
						case m.GetCounter() != nil:
							s.Value = m.GetCounter().GetValue()
						case m.GetGauge() != nil:
							s.Value = m.GetGauge().GetValue()
						}
						samples = append(samples, s)
					}
				}
				return writeValue(cmd.OutOrStdout(), a.cfg.Format, samples, func(w io.Writer) error {
					for _, s := range samples {
						fmt.Fprintf(w, "%s%s %g\n", s.Name, formatLabels(s.Labels), s.Value)
					}
					return nil
				})
			})
		},
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func newDumpCmd(a *app) *cobra.Command {
	var rows, indexRows bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every configured entity with its rows and index entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := kvdao.DumpEntityHeaders | kvdao.DumpStats | kvdao.DumpIndexes
			if rows {
				flags |= kvdao.DumpRows
			}
			if indexRows {
				flags |= kvdao.DumpIndexRows
			}
			return a.withDB(func(db *kvdao.DB) error {
				return db.Read(func(s kvdao.Session) error {
					out, err := db.Dump(s, flags)
					if err != nil {
						return err
					}
					_, err = io.WriteString(cmd.OutOrStdout(), out)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&rows, "rows", true, "Include records")
	cmd.Flags().BoolVar(&indexRows, "index-rows", true, "Include index entries")
	return cmd
}
