package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/pkg/keys"
	"clipvault/svc/cache"
	"clipvault/svc/db"
	"clipvault/svc/svc"
	"clipvault/svc/util"

	"github.com/joho/godotenv"
)

const usage = `usage: clipvault <command> [args]

commands:
  save [source-app]     encrypt and store stdin as a plain-text clip
  list [limit]          print recent clips, pinned first
  search <query>        full-text search over clip content
  pin <id>              toggle the pinned flag of a clip
  delete <id>           delete one clip
  cleanup [days]        purge unpinned clips older than N days
  clear [keep-pinned]   wipe the whole history
  clear24h              wipe everything captured in the last 24 hours
  stats                 print clip count and database size
  run                   keep the store open with retention and WAL workers
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "clipvault.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keyAdapter, err := keys.NewAdapter(ctx, c.KeyFilePath)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secret store adapter")
		os.Exit(1)
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout, c.CleanupRatePerSec)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	lruCache, err := cache.NewLRU(c.CacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}

	clips := svc.NewClips(sqlDB, lruCache, keyAdapter, c, nil)
	defer clips.Shutdown()

	<-clips.Ready()
	if !clips.IsInitialized() {
		util.Error().Err(clips.InitErr()).Msg("store failed to initialize")
		os.Exit(1)
	}

	if err := run(ctx, clips, sqlDB, c, os.Args[1], os.Args[2:]); err != nil {
		util.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, clips *svc.Clips, sqlDB *db.SQLite, c *cfg.Cfg, command string, args []string) error {
	switch command {
	case "save":
		sourceApp := ""
		if len(args) > 0 {
			sourceApp = args[0]
		}
		content, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return err
		}
		id, err := clips.SaveClip(ctx, domain.SaveParams{
			Content:   strings.TrimRight(string(content), "\n"),
			Kind:      domain.KindPlainText,
			SourceApp: sourceApp,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "list":
		limit := c.RecentLimit
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid limit %q", args[0])
			}
			limit = n
		}
		results, err := clips.GetRecentClips(ctx, limit)
		if err != nil {
			return err
		}
		printClips(results)
		return nil

	case "search":
		if len(args) == 0 {
			return fmt.Errorf("search requires a query")
		}
		results, err := clips.SearchClips(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printClips(results)
		return nil

	case "pin":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		pinned, err := clips.TogglePin(ctx, id)
		if err != nil {
			return err
		}
		if pinned {
			fmt.Println("pinned")
		} else {
			fmt.Println("unpinned")
		}
		return nil

	case "delete":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		removed, err := clips.DeleteClip(ctx, id)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("not found")
		}
		return nil

	case "cleanup":
		days := c.RetentionDays
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid days %q", args[0])
			}
			days = n
		}
		deleted, err := clips.CleanupOldClips(ctx, days)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d clips\n", deleted)
		return nil

	case "clear":
		keepPinned := len(args) > 0 && args[0] == "keep-pinned"
		deleted, err := clips.ClearAllHistory(ctx, keepPinned)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d clips\n", deleted)
		return nil

	case "clear24h":
		deleted, err := clips.ClearLast24Hours(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d clips\n", deleted)
		return nil

	case "stats":
		count, err := clips.TotalClips(ctx)
		if err != nil {
			return err
		}
		size, err := clips.DatabaseSize()
		if err != nil {
			return err
		}
		fmt.Printf("clips: %d\nsize on disk: %d bytes\n", count, size)
		return nil

	case "run":
		quitWAL := make(chan struct{})
		go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
		util.Info().Msg("WAL maintenance worker started")

		if err := svc.StartCleaner(ctx, clips, c.CleanupInterval, c.RetentionDays); err != nil {
			util.Error().Err(err).Msg("failed to start cleaner")
		} else {
			util.Info().Msg("retention cleanup worker started")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		util.Info().Msg("shutting down gracefully...")
		close(quitWAL)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("an id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func printClips(results []*domain.Clip) {
	for _, clip := range results {
		marker := " "
		if clip.Pinned {
			marker = "*"
		}
		preview := clip.Content
		if len(preview) > 60 {
			preview = preview[:60] + "..."
		}
		preview = strings.ReplaceAll(preview, "\n", " ")
		fmt.Printf("%s %6d  %s  %s\n", marker, clip.ID, clip.CreatedAt.Format(time.RFC3339), preview)
	}
}
