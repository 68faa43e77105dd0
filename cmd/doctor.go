package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("whale doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	dataDir, err := config.DataDir()
	if err != nil {
		fmt.Printf("  Data dir: UNAVAILABLE (%s)\n", err)
		return
	}
	fmt.Printf("  Data dir: %s\n", dataDir)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = config.Path(dataDir)
	}
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults in effect)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Provider:")
	fmt.Printf("    %-12s %s\n", "Model:", cfg.Model)
	fmt.Printf("    %-12s %s\n", "API key:", keyStatus(cfg))

	fmt.Println()
	fmt.Println("  Language servers:")
	for _, server := range []struct{ lang, binary string }{
		{"go", "gopls"},
		{"typescript", "typescript-language-server"},
		{"python", "pyright-langserver"},
		{"rust", "rust-analyzer"},
	} {
		binary := server.binary
		if override, ok := cfg.LSP.Servers[server.lang]; ok && override != "" {
			binary = override
		}
		if path, err := exec.LookPath(binary); err != nil {
			fmt.Printf("    %-12s %s (NOT FOUND)\n", server.lang+":", binary)
		} else {
			fmt.Printf("    %-12s %s\n", server.lang+":", path)
		}
	}

	fmt.Println()
	fmt.Println("  Shell sandbox:")
	if runtime.GOOS == "darwin" {
		if _, err := os.Stat("/usr/bin/sandbox-exec"); err != nil {
			fmt.Println("    sandbox-exec NOT FOUND — shell runs unsandboxed")
		} else {
			fmt.Println("    sandbox-exec OK")
		}
	} else {
		fmt.Printf("    no write sandbox on %s — shell runs unsandboxed\n", runtime.GOOS)
	}

	fmt.Println()
	fmt.Println("  Store:")
	backend := cfg.Store.Backend
	if backend == "" {
		backend = "file"
	}
	sessions, err := buildSessionStore(cfg, dataDir)
	if err != nil {
		fmt.Printf("    %-12s %s (OPEN FAILED: %s)\n", "Backend:", backend, err)
		return
	}
	infos, err := sessions.List()
	if err != nil {
		fmt.Printf("    %-12s %s (LIST FAILED: %s)\n", "Backend:", backend, err)
		return
	}
	fmt.Printf("    %-12s %s (%d conversations)\n", "Backend:", backend, len(infos))
}
