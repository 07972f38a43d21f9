package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/client"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	seed       bool
	httpAddr   string
	fileIndex  int
	outPath    string
	pieceLen   int64
	announceTo []string
)

var downloadCmd = &cobra.Command{
	Use:   "download <torrent-file|magnet-uri>",
	Short: "Download a torrent",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var streamCmd = &cobra.Command{
	Use:   "stream <torrent-file|magnet-uri>",
	Short: "Serve a torrent's files over HTTP while downloading",
	Args:  cobra.ExactArgs(1),
	RunE:  runStream,
}

var infoCmd = &cobra.Command{
	Use:   "info <torrent-file>",
	Short: "Print the contents of a torrent file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a torrent file from a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	bindSessionFlags(downloadCmd)
	downloadCmd.Flags().BoolVar(&seed, "seed", false, "keep seeding after the download completes")

	bindSessionFlags(streamCmd)
	streamCmd.Flags().StringVar(&httpAddr, "http", "localhost:8090", "HTTP listen address")
	streamCmd.Flags().IntVar(&fileIndex, "file", -1, "file to stream (default: the largest)")

	createCmd.Flags().StringVarP(&outPath, "output", "o", "", "output file (default: <name>.torrent)")
	createCmd.Flags().Int64Var(&pieceLen, "piece-length", 256<<10, "piece length in bytes")
	createCmd.Flags().StringSliceVar(&announceTo, "tracker", nil, "tracker url (repeatable)")
}

// addSource adds a magnet link or a torrent file to c.
func addSource(c *client.Client, src string) (*client.Session, error) {
	if strings.HasPrefix(src, "magnet:") {
		return c.AddMagnet(src)
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.AddTorrent(f)
}

func openSession(src string) (*client.Client, *client.Session, error) {
	c, err := client.NewClient(client.Options{Config: cfg, Listen: true})
	if err != nil {
		return nil, nil, err
	}
	s, err := addSource(c, src)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, s, nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	c, s, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	p := newProgress(s.Name())
	unsubscribe := s.Subscribe(p)
	defer func() {
		unsubscribe()
		p.Stop()
	}()

	select {
	case <-s.Completed():
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return nil
	}
	if !seed {
		return nil
	}
	select {
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return nil
	}
}

// largestFile is the default stream target.
func largestFile(files []client.File) client.File {
	return lo.MaxBy(files, func(a, b client.File) bool {
		return a.Length > b.Length
	})
}

func runStream(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	c, s, err := openSession(args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	srv := &http.Server{
		Addr:    httpAddr,
		Handler: client.NewHTTPServeMux(c),
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Waiting for metadata of %s...\n", s.ID())
	select {
	case <-s.GotInfo():
	case <-s.Done():
		return s.Err()
	case err := <-errs:
		return err
	case <-ctx.Done():
		return nil
	}

	files, err := s.Files()
	if err != nil {
		return err
	}
	target := largestFile(files)
	if fileIndex >= 0 {
		if fileIndex >= len(files) {
			return fmt.Errorf("file index %d out of range, torrent has %d files", fileIndex, len(files))
		}
		target = files[fileIndex]
	}
	fmt.Printf("Streaming %s (%s)\n", target.Path, humanize.Bytes(uint64(target.Length)))
	fmt.Printf("http://%s/torrents/%s/files/%d/stream\n", httpAddr, s.ID(), target.Index)

	select {
	case <-s.Done():
		return s.Err()
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	m, err := torrent.NewManifest(f)
	if err != nil {
		return err
	}

	fmt.Printf("Name:       %s\n", m.Name)
	fmt.Printf("Info hash:  %s\n", m.InfoHashHex())
	fmt.Printf("Size:       %s\n", humanize.Bytes(uint64(m.Length)))
	fmt.Printf("Pieces:     %d x %s\n", m.NumPieces(), humanize.Bytes(uint64(m.PieceLength)))
	for i, tier := range m.Announce {
		fmt.Printf("Tier %d:     %s\n", i, strings.Join(tier, ", "))
	}
	fmt.Println("Files:")
	for i, file := range m.Files {
		fmt.Printf("  %3d  %10s  %s\n", i, humanize.Bytes(uint64(file.Length)), file.Path)
	}
	return nil
}

// collectFiles reads root, a single file or a directory tree, in path order.
func collectFiles(fs afero.Fs, root string) ([]torrent.FileData, error) {
	info, err := fs.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := afero.ReadFile(fs, root)
		if err != nil {
			return nil, err
		}
		return []torrent.FileData{{Data: data}}, nil
	}

	files := []torrent.FileData{}
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, torrent.FileData{
			Path: strings.Split(filepath.ToSlash(rel), "/"),
			Data: data,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s contains no files", root)
	}
	return files, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	fs := afero.NewOsFs()
	root := filepath.Clean(args[0])
	files, err := collectFiles(fs, root)
	if err != nil {
		return err
	}
	name := filepath.Base(root)
	infoBytes, err := torrent.BuildInfo(name, pieceLen, files)
	if err != nil {
		return err
	}

	out := outPath
	if out == "" {
		out = name + ".torrent"
	}
	f, err := fs.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := torrent.WriteTorrent(f, announceTo, infoBytes); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", out)
	return nil
}
