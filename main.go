package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfg      = config.Default()
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "torrent-streamer",
	Short: "Download, seed and stream torrents",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

// bindSessionFlags exposes the session configuration on cmd.
func bindSessionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&cfg.DataDir, "dir", "d", cfg.DataDir, "download directory")
	f.IntVarP(&cfg.ListenPort, "port", "p", cfg.ListenPort, "peer listen port")
	f.BoolVar(&cfg.UseTrackers, "trackers", cfg.UseTrackers, "announce to trackers")
	f.BoolVar(&cfg.UsePublicTrackers, "public-trackers", cfg.UsePublicTrackers, "add the public tracker list")
	f.BoolVar(&cfg.UseDHT, "dht", cfg.UseDHT, "look up peers on the DHT")
	f.StringSliceVar(&cfg.Trackers, "tracker", nil, "extra tracker url (repeatable)")
	f.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum connections per torrent")
	f.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum connections overall")
	f.IntVar(&cfg.PipelineDepth, "pipeline", cfg.PipelineDepth, "outstanding requests per peer")
	f.IntVar(&cfg.EndGameThreshold, "end-game", cfg.EndGameThreshold, "remaining blocks that trigger end-game")
	f.IntVar(&cfg.ReadAheadPieces, "read-ahead", cfg.ReadAheadPieces, "pieces prioritized after a stream position")
	f.IntVar(&cfg.DownloadLimit, "download-limit", cfg.DownloadLimit, "download limit in bytes/sec (0 = unlimited)")
	f.IntVar(&cfg.UploadLimit, "upload-limit", cfg.UploadLimit, "upload limit in bytes/sec (0 = unlimited)")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(downloadCmd, streamCmd, infoCmd, createCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
