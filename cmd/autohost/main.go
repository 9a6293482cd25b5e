// cmd/autohost/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/agent"
	"github.com/akoven/autohost/internal/config"
	"github.com/akoven/autohost/internal/locks"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: autohost <configFile> [name=value ...] [--doc | --tls-cert-trust[=host:hash|hash] | --tls-cert-revoke=host:hash | --tls-cert-list[=host]]")
		return agent.ExitUsage
	}
	configPath := args[0]

	macros := map[string]string{}
	var trustOnConnect, certAdd, certRevoke, certList string
	docMode, certListMode := false, false
	for _, arg := range args[1:] {
		switch {
		case arg == "--doc":
			docMode = true
		case arg == "--tls-cert-trust":
			trustOnConnect = "1"
		case strings.HasPrefix(arg, "--tls-cert-trust="):
			v := strings.TrimPrefix(arg, "--tls-cert-trust=")
			if strings.Contains(v, ":") {
				certAdd = v
			} else {
				trustOnConnect = v
			}
		case strings.HasPrefix(arg, "--tls-cert-revoke="):
			certRevoke = strings.TrimPrefix(arg, "--tls-cert-revoke=")
		case arg == "--tls-cert-list":
			certListMode = true
		case strings.HasPrefix(arg, "--tls-cert-list="):
			certListMode = true
			certList = strings.TrimPrefix(arg, "--tls-cert-list=")
		case strings.HasPrefix(arg, "--"):
			fmt.Fprintf(os.Stderr, "unknown option %q\n", arg)
			return agent.ExitUsage
		default:
			name, value, ok := strings.Cut(arg, "=")
			if !ok || name == "" {
				fmt.Fprintf(os.Stderr, "invalid macro %q (expected name=value)\n", arg)
				return agent.ExitUsage
			}
			macros[name] = value
		}
	}

	cfg, err := config.Load(configPath, macros)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return agent.ExitConfig
	}

	if docMode {
		return printDoc(cfg)
	}

	trustPath := filepath.Join(cfg.VarDir, config.TrustStoreName)
	switch {
	case certAdd != "":
		host, hash, _ := strings.Cut(certAdd, ":")
		if err := config.AddTrustedCert(trustPath, host, hash); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return agent.ExitSystem
		}
		fmt.Printf("certificate %s trusted for %s\n", hash, host)
		return agent.ExitOK
	case certRevoke != "":
		host, hash, ok := strings.Cut(certRevoke, ":")
		if !ok {
			fmt.Fprintln(os.Stderr, "--tls-cert-revoke requires host:hash")
			return agent.ExitUsage
		}
		removed, err := config.RevokeTrustedCert(trustPath, host, hash)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return agent.ExitSystem
		}
		if !removed {
			fmt.Fprintf(os.Stderr, "certificate %s is not trusted for %s\n", hash, host)
			return agent.ExitInputData
		}
		fmt.Printf("certificate %s revoked for %s\n", hash, host)
		return agent.ExitOK
	case certListMode:
		lines, err := config.ListTrustedCerts(trustPath, certList)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return agent.ExitSystem
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return agent.ExitOK
	}
	cfg.Lobby.TrustOnConnect = trustOnConnect

	// merge the persisted trust store under the config-declared pins
	if store, err := config.LoadTrustStore(trustPath); err == nil {
		for host, hashes := range store {
			cfg.Lobby.TrustedCerts[host] = append(cfg.Lobby.TrustedCerts[host], hashes...)
		}
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	for _, dir := range []string{cfg.InstanceDir, cfg.VarDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return agent.ExitSystem
		}
	}

	instance, err := locks.AcquireInstance(cfg.InstanceDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return agent.ExitConflict
	}
	defer instance.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, log, cfg)
	if err != nil {
		log.WithError(err).Error("agent initialisation failed")
		return agent.ExitConfig
	}

	code, restart := a.Run(ctx)
	if restart {
		instance.Release()
		reexec(log, configPath, cfg.MacroArgs())
		// reexec only returns on failure
		return agent.ExitSystem
	}
	return code
}

// reexec replaces the process image, preserving the config path and macro
// overrides.
func reexec(log *logrus.Logger, configPath string, macroArgs []string) {
	self, err := os.Executable()
	if err != nil {
		log.WithError(err).Error("restart failed: executable path unknown")
		return
	}
	argv := append([]string{self, configPath}, macroArgs...)
	log.WithField("argv", strings.Join(argv, " ")).Info("restarting")
	if err := syscall.Exec(self, argv, os.Environ()); err != nil {
		log.WithError(err).Error("restart failed")
	}
}

// printDoc lists every declared setting with its allowed values.
func printDoc(cfg config.Config) int {
	tree, err := cfg.SeedTree()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return agent.ExitConfig
	}
	for _, scope := range []string{config.ScopeGlobal, config.ScopeBattle} {
		settings := tree.List(scope)
		sort.Slice(settings, func(i, j int) bool { return settings[i].Name < settings[j].Name })
		fmt.Printf("[%s]\n", scope)
		for _, s := range settings {
			allowed := strings.Join(s.Allowed, " | ")
			if allowed == "" {
				allowed = "<any>"
			}
			fmt.Printf("  %-28s %s (default: %s)\n", s.Name, allowed, s.Value())
		}
		fmt.Println()
	}
	return agent.ExitOK
}
