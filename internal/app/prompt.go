package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/roomchat/internal/config"
)

// PromptInteractive walks through the settings a first run needs and
// returns the edited config. Invalid answers fall back to defaults.
func PromptInteractive(r io.Reader, w io.Writer, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "roomchat interactive setup")
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Server.APIURL = askString(in, w, "API base URL", cfg.Server.APIURL)
	cfg.Server.SocketURL = askString(in, w, "Socket URL", cfg.Server.SocketURL)

	if askBool(in, w, "Sign in with email/password (instead of a token)", cfg.Identity.Token == "") {
		cfg.Identity.Email = askString(in, w, "Email", cfg.Identity.Email)
		cfg.Identity.Password = askString(in, w, "Password", cfg.Identity.Password)
	} else {
		cfg.Identity.Token = askString(in, w, "Bearer token", cfg.Identity.Token)
	}

	cfg.Chat.MessagePageSize = askInt(in, w, "Messages per page", cfg.Chat.MessagePageSize)
	cfg.Metrics.Addr = askString(in, w, "Metrics listen addr (empty=off)", cfg.Metrics.Addr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
