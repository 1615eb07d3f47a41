package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/chatster/internal/host"
	"github.com/CZERTAINLY/chatster/internal/log"
	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/profile"
	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/chatster on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "chatster")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is chatster.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initChatster

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("chatster failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chatster",
	Short:        "Chat bot hosting plugins over several channels",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run loads the plugins and serves all configured profiles until interrupted",
	RunE:  doRun,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "profiles lists the profiles which would be launched",
	RunE:  doProfiles,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a chatster",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("chatster: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("chatster: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("chatster",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	gin.SetMode(gin.ReleaseMode)
	return host.New(config).Run(ctx)
}

func doProfiles(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	scanned, err := profile.ScanDir(ctx, config.Dirs.Profiles)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, p := range config.Profiles {
		fmt.Fprintf(out, "%s\t%s\t%s\n", p.ID, profileType(p), configPath)
	}
	for _, p := range scanned {
		fmt.Fprintf(out, "%s\t%s\t%s\n", p.ID, profileType(p), filepath.Join(config.Dirs.Profiles, p.ID, profile.FileName))
	}
	return nil
}

func profileType(p model.Profile) string {
	if p.Type == "" {
		return model.ProfileTypeCLI
	}
	return p.Type
}

func initChatster(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CHATSTERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "chatster.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "chatster.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))

	slog.Debug("chatster run", "configPath", configPath)
	slog.Debug("chatster run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
