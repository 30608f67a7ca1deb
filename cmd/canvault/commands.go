package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/canvault/canvault/lib/config"
	"github.com/canvault/canvault/lib/version"
	"github.com/canvault/canvault/storage"
)

// storeFlags are the flags every query command shares: where the
// database lives and how to render results.
type storeFlags struct {
	configPath string
	dbPath     string
	asJSON     bool
}

func (f *storeFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.configPath, "config", "", "path to the canvault.yaml config file (overrides CANVAULT_CONFIG)")
	flags.StringVar(&f.dbPath, "db", "", "database file (overrides the config)")
	flags.BoolVar(&f.asJSON, "json", false, "emit JSON instead of a table")
}

// open resolves the database path (--db, then config) and opens the
// store.
func (f *storeFlags) open() (*storage.Store, error) {
	path := f.dbPath
	if path == "" {
		cfg, err := loadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Database.Path
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database %s: %w", path, err)
	}
	return storage.OpenStore(storage.StoreConfig{
		Path:   path,
		Logger: slog.New(slog.DiscardHandler),
	})
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SortFlags = false
	return flags
}

func framesCommand(ctx context.Context, args []string) error {
	flags := newFlagSet("frames")
	var store storeFlags
	store.register(flags)
	channel := flags.String("channel", "", "only frames from this channel")
	arbID := flags.String("id", "", "only frames with this arbitration id (hex, e.g. 0x7E0)")
	limit := flags.Int("limit", 50, "maximum frames to show, newest first")
	if err := flags.Parse(args); err != nil {
		return err
	}

	filter := storage.FrameFilter{
		Channel: *channel,
		Limit:   *limit,
	}
	if *arbID != "" {
		id, err := parseArbID(*arbID)
		if err != nil {
			return err
		}
		filter.ArbID = id
		filter.HasArbID = true
	}

	db, err := store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	frames, err := db.RecentFrames(ctx, filter)
	if err != nil {
		return err
	}
	if store.asJSON {
		return emitJSON(frames)
	}

	table := newTable()
	fmt.Fprintln(table, "TIME\tCHANNEL\tSEQ\tID\tDIR\tDATA")
	for _, frame := range frames {
		data := fmt.Sprintf("% X", frame.Data)
		if frame.IsGap() {
			data = fmt.Sprintf("<gap: %d dropped>", frame.DropCount)
		}
		fmt.Fprintf(table, "%s\t%s\t%d\t%s\t%s\t%s\n",
			frame.Time.Format(time.RFC3339Nano),
			frame.Channel,
			frame.Seq,
			frame.IDString(),
			frame.Dir,
			data,
		)
	}
	return table.Flush()
}

func sessionsCommand(ctx context.Context, args []string) error {
	flags := newFlagSet("sessions")
	var store storeFlags
	store.register(flags)
	limit := flags.Int("limit", 50, "maximum sessions to show, newest first")
	if err := flags.Parse(args); err != nil {
		return err
	}

	db, err := store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.Sessions(ctx, *limit)
	if err != nil {
		return err
	}
	if store.asJSON {
		return emitJSON(sessions)
	}

	table := newTable()
	fmt.Fprintln(table, "ID\tCHANNEL\tBITRATE\tSTARTED\tENDED\tRESTARTS")
	for _, session := range sessions {
		ended := "running"
		if !session.EndedAt.IsZero() {
			ended = session.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(table, "%s\t%s\t%d\t%s\t%s\t%d\n",
			session.ID,
			session.Channel,
			session.Bitrate,
			session.StartedAt.Format(time.RFC3339),
			ended,
			session.RestartCount,
		)
	}
	return table.Flush()
}

func gapsCommand(ctx context.Context, args []string) error {
	flags := newFlagSet("gaps")
	var store storeFlags
	store.register(flags)
	channel := flags.String("channel", "", "only gaps on this channel")
	if err := flags.Parse(args); err != nil {
		return err
	}

	db, err := store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	gaps, total, err := db.GapReport(ctx, *channel)
	if err != nil {
		return err
	}
	if store.asJSON {
		return emitJSON(struct {
			Gaps         []storage.GapRecord `json:"gaps"`
			TotalDropped uint64              `json:"total_dropped"`
		}{gaps, total})
	}

	table := newTable()
	fmt.Fprintln(table, "TIME\tSESSION\tCHANNEL\tSEQ\tDROPPED")
	for _, gap := range gaps {
		fmt.Fprintf(table, "%s\t%s\t%s\t%d\t%d\n",
			gap.Time.Format(time.RFC3339Nano),
			gap.SessionID,
			gap.Channel,
			gap.Seq,
			gap.DropCount,
		)
	}
	if err := table.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d gaps, %d frames dropped in total\n", len(gaps), total)
	return nil
}

func backupCommand(ctx context.Context, args []string) error {
	flags := newFlagSet("backup")
	var store storeFlags
	store.register(flags)
	dir := flags.String("dir", "", "directory for the snapshot (defaults to the config's backup directory)")
	keep := flags.Int("keep", 0, "delete all but the newest N snapshots (0 keeps everything)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	target := *dir
	if target == "" {
		cfg, err := loadConfig(store.configPath)
		if err != nil {
			return err
		}
		target = cfg.Database.Backup.Directory
	}

	db, err := store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	path, err := db.Backup(ctx, target, *keep)
	if err != nil {
		return err
	}
	fmt.Printf("backup written to %s\n", path)
	return nil
}

func versionCommand(args []string) error {
	flags := newFlagSet("version")
	full := flags.Bool("full", false, "include Go version and platform")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *full {
		fmt.Println(version.Full())
		return nil
	}
	version.Print("canvault")
	return nil
}

// parseArbID accepts hex with or without the 0x prefix, the
// conventional notation for arbitration ids.
func parseArbID(raw string) (uint32, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(raw), "0x")
	id, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid arbitration id %q: %w", raw, err)
	}
	return uint32(id), nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func emitJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
