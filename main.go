// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/roomchat/internal/app"
	"github.com/petervdpas/roomchat/internal/config"
)

var (
	showHelp  = flag.Bool("h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
	noConsole = flag.Bool("no-console", false, "Run without the interactive console")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("roomchat v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	dir := "."
	if len(args) > 1 {
		dir = args[1]
	}

	switch command {
	case "run":
		runClient(dir)
	case "setup":
		runSetup(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func configPath(dirArg string) string {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory: %v", err)
	}
	return filepath.Join(absDir, "roomchat.json")
}

func runClient(dirArg string) {
	cfgPath := configPath(dirArg)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
		fmt.Println("Run 'roomchat setup' to fill in server and identity.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	opts := app.Options{
		CfgPath: cfgPath,
		Cfg:     cfg,
		Out:     os.Stdout,
	}
	if !*noConsole {
		opts.In = os.Stdin
	}
	if err := app.Run(ctx, opts); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func runSetup(dirArg string) {
	cfgPath := configPath(dirArg)

	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		cfg = config.Default()
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, cfgPath, cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("roomchat - chat and call client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomchat run [directory]     Run the client with the console")
	fmt.Println("  roomchat setup [directory]   Create or edit roomchat.json interactively")
	fmt.Println()
	fmt.Println("The directory holds roomchat.json, an optional .env and the local")
	fmt.Println("draft database. It defaults to the current directory.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h           Show this help message")
	fmt.Println("  -version     Show version information")
	fmt.Println("  -no-console  Run without reading commands from stdin")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s  Bearer token used instead of identity.token\n", config.EnvToken)
}
