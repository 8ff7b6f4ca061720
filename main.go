package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"lanrelay/config"
	"lanrelay/discovery"
	"lanrelay/profiles"
	"lanrelay/relay"
)

func main() {
	app := cli.NewApp()
	app.Name = "lanrelay"
	app.Usage = "LAN session relay for chat, media and file transfer"
	app.Commands = []cli.Command{
		{
			Name:      "serve",
			ShortName: "s",
			Usage:     "Start the relay server",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "debug,d",
					Usage: "Enable debug output",
				},
				cli.StringFlag{
					Name:  "session",
					Usage: "Session ID clients must present (default: from config)",
				},
				cli.IntFlag{
					Name:  "tcp-port",
					Usage: "Control channel port (default: from config)",
				},
				cli.IntFlag{
					Name:  "udp-port",
					Usage: "Media relay port (default: from config)",
				},
				cli.BoolFlag{
					Name:  "closed",
					Usage: "Only admit usernames with a stored profile",
				},
				cli.BoolFlag{
					Name:  "no-advertise",
					Usage: "Skip mDNS session advertisement",
				},
			},
			Action: serve,
		},
		{
			Name:   "discover",
			Usage:  "Scan the LAN for running relay sessions",
			Action: discover,
		},
		{
			Name:  "user",
			Usage: "Manage registered user profiles",
			Subcommands: []cli.Command{
				{
					Name:      "add",
					Usage:     "Register a profile",
					ArgsUsage: "<username> <password-hash>",
					Action:    userAdd,
				},
				{
					Name:   "list",
					Usage:  "List registered profiles",
					Action: userList,
				},
				{
					Name:      "remove",
					Usage:     "Remove a profile",
					ArgsUsage: "<username>",
					Action:    userRemove,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	logger := log.New()
	if c.Bool("debug") {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if c.String("session") != "" {
		cfg.SessionID = c.String("session")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if c.Int("tcp-port") > 0 {
		cfg.TCPPort = c.Int("tcp-port")
	}
	if c.Int("udp-port") > 0 {
		cfg.UDPPort = c.Int("udp-port")
	}
	if c.Bool("closed") {
		cfg.AllowUnregistered = false
	}
	if c.Bool("no-advertise") {
		cfg.Advertise = false
	}

	tcpPort, err := config.FindAvailableTCPPort(cfg.TCPPort)
	if err != nil {
		return err
	}
	udpPort, err := config.FindAvailableUDPPort(cfg.UDPPort)
	if err != nil {
		return err
	}
	if tcpPort != cfg.TCPPort || udpPort != cfg.UDPPort {
		logger.WithFields(log.Fields{"tcp_port": tcpPort, "udp_port": udpPort}).
			Warn("configured ports busy, using fallbacks")
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := profiles.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open profiles store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("profiles store close error")
		}
	}()
	store.AllowUnregistered = cfg.AllowUnregistered

	server, err := relay.Listen(relay.Options{
		SessionID:         cfg.SessionID,
		TCPAddress:        ":" + strconv.Itoa(tcpPort),
		UDPAddress:        ":" + strconv.Itoa(udpPort),
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
		TransferTTL:       time.Duration(cfg.TransferTTLSeconds) * time.Second,
		Validator:         store,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.WithError(err).Warn("server close error")
		}
	}()

	fmt.Printf("Session ID:      %s\n", cfg.SessionID)
	fmt.Printf("Control (TCP):   %s\n", server.TCPAddr())
	fmt.Printf("Media (UDP):     %s\n", server.UDPAddr())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Profiles DB:     %s\n", dbPath)

	if cfg.Advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			SessionID:   cfg.SessionID,
			SessionName: cfg.SessionName,
			TCPPort:     tcpPort,
			UDPPort:     udpPort,
		})
		if err != nil {
			logger.WithError(err).Warn("mDNS advertisement failed")
		} else {
			defer broadcaster.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

func discover(c *cli.Context) error {
	sessions, err := discovery.Scan(context.Background(), discovery.Config{})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No relay sessions found.")
		return nil
	}

	for _, session := range sessions {
		fmt.Printf("%s  id=%s  tcp=%d  udp=%d  addrs=%v\n",
			session.Name, session.SessionID, session.TCPPort, session.UDPPort, session.Addresses)
	}
	return nil
}

func userAdd(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: user add <username> <password-hash>")
	}

	store, err := openProfiles()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	username := c.Args().Get(0)
	if err := store.Create(username, username, c.Args().Get(1)); err != nil {
		return err
	}
	fmt.Printf("Registered %q\n", username)
	return nil
}

func userList(c *cli.Context) error {
	store, err := openProfiles()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	list, err := store.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No registered profiles.")
		return nil
	}
	for _, profile := range list {
		fmt.Printf("%s  created=%s\n", profile.Username,
			time.UnixMilli(profile.CreatedAt).Format("2006-01-02 15:04:05"))
	}
	return nil
}

func userRemove(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: user remove <username>")
	}

	store, err := openProfiles()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	username := c.Args().Get(0)
	if err := store.Delete(username); err != nil {
		return err
	}
	fmt.Printf("Removed %q\n", username)
	return nil
}

func openProfiles() (*profiles.Store, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	store, _, err := profiles.Open(dataDir)
	return store, err
}
