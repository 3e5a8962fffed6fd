// Command skycast browses the SkyCast catalog and drains a saved upload
// queue from the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/skycastlive/skycast-go/catalog"
	"github.com/skycastlive/skycast-go/config"
	"github.com/skycastlive/skycast-go/persist"
	"github.com/skycastlive/skycast-go/storage"
	"github.com/skycastlive/skycast-go/uploadqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: streams, near, viewers, delete, or resume")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	client := catalog.NewClient(cfg.APIBaseURL, cfg.AppID, cfg.AppSecret,
		catalog.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))

	switch args[0] {
	case "streams":
		return listStreams(ctx, client, args[1:])
	case "near":
		return listNear(ctx, client, args[1:])
	case "viewers":
		return listViewers(ctx, client, args[1:])
	case "delete":
		return deleteStream(ctx, client, args[1:])
	case "resume":
		return resumeUploads(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseAnchor(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("parse anchor date: %w", err)
	}
	return &ts, nil
}

func listStreams(ctx context.Context, client *catalog.Client, args []string) error {
	fs := flag.NewFlagSet("streams", flag.ContinueOnError)
	author := fs.String("author", "", "filter by author id")
	anchorFlag := fs.String("anchor", "", "return streams strictly older than this RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}

	anchor, err := parseAnchor(*anchorFlag)
	if err != nil {
		return err
	}

	items, total, err := client.ListStreams(ctx, *author, anchor)
	if err != nil {
		return err
	}
	printStreams(items, total)
	return nil
}

func listNear(ctx context.Context, client *catalog.Client, args []string) error {
	fs := flag.NewFlagSet("near", flag.ContinueOnError)
	lat := fs.Float64("lat", 0, "latitude")
	lng := fs.Float64("lng", 0, "longitude")
	radius := fs.Float64("radius", 0, "radius in meters; 0 disables the spatial filter")
	anchorFlag := fs.String("anchor", "", "return streams strictly older than this RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}

	anchor, err := parseAnchor(*anchorFlag)
	if err != nil {
		return err
	}

	coord := catalog.Coordinate{Latitude: *lat, Longitude: *lng}
	items, total, err := client.ListStreamsNear(ctx, coord, *radius, anchor)
	if err != nil {
		return err
	}
	printStreams(items, total)
	return nil
}

func listViewers(ctx context.Context, client *catalog.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: viewers <streamID> [-anchor TIME]")
	}
	streamID := args[0]

	fs := flag.NewFlagSet("viewers", flag.ContinueOnError)
	anchorFlag := fs.String("anchor", "", "return viewers who joined strictly before this RFC3339 timestamp")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	anchor, err := parseAnchor(*anchorFlag)
	if err != nil {
		return err
	}

	items, total, err := client.ListViewers(ctx, streamID, anchor)
	if err != nil {
		return err
	}

	fmt.Printf("%d viewers total\n", total)
	for _, viewer := range items {
		fmt.Printf("%s\tjoined %s\n", viewer.ID, viewer.JoinedAt.Format(time.RFC3339))
	}
	return nil
}

func deleteStream(ctx context.Context, client *catalog.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: delete <streamID>")
	}
	if err := client.DeleteStream(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("stream %s deleted\n", args[0])
	return nil
}

// resumeUploads reloads the saved queue and drains every unresolved task to
// the object store, then exits.
func resumeUploads(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := persist.NewSQLiteStore(cfg.QueueDBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	streams := make(map[string]int)
	for _, rec := range records {
		if rec.State == persist.StatePending || rec.State == persist.StateInFlight {
			streams[rec.StreamID]++
		}
	}
	if len(streams) == 0 {
		fmt.Println("nothing to resume")
		return nil
	}

	uploader, err := storage.NewS3Uploader(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}

	queue := uploadqueue.New(store, uploader, uploadqueue.Config{
		BaseDelay: cfg.UploadBaseDelay,
		MaxDelay:  cfg.UploadMaxDelay,
	}, logger)

	go func() {
		for outcome := range queue.Outcomes() {
			if outcome.Err != nil {
				logger.Error("upload failed permanently",
					"streamId", outcome.StreamID, "sequence", outcome.Sequence, "error", outcome.Err)
				continue
			}
			logger.Info("upload complete",
				"streamId", outcome.StreamID, "sequence", outcome.Sequence,
				"bytes", strconv.FormatInt(outcome.Size, 10))
		}
	}()

	if err := queue.Resume(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return queue.Shutdown(shutdownCtx)
		case <-ticker.C:
			drained := true
			for streamID := range streams {
				if !queue.DrainStatus(streamID).Drained() {
					drained = false
					break
				}
			}
			if drained {
				fmt.Printf("resumed uploads drained for %d stream(s)\n", len(streams))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return queue.Shutdown(shutdownCtx)
			}
		}
	}
}

func printStreams(items []catalog.Stream, total int) {
	fmt.Printf("%d streams total\n", total)
	for _, stream := range items {
		location := "-"
		if stream.Coordinate != nil {
			location = fmt.Sprintf("%.4f,%.4f", stream.Coordinate.Latitude, stream.Coordinate.Longitude)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
			stream.ID, stream.AuthorID, stream.CreatedAt.Format(time.RFC3339), location, stream.PlaybackURL)
	}
}
