package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/whale-sh/whale/internal/config"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [key] [value]",
		Short: "Show or set configuration values (dotted keys, e.g. serve.port)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch len(args) {
			case 0:
				return showConfig()
			case 1:
				return showConfigKey(args[0])
			default:
				return setConfigKey(args[0], args[1])
			}
		},
	}
}

func showConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func showConfigKey(key string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, ok := cfg.Get(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// setConfigKey edits the raw config file so unrelated keys and comments in
// sibling objects survive a round trip through the typed struct.
func setConfigKey(key, value string) error {
	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	path := cfgFile
	if path == "" {
		path = config.Path(dataDir)
	}

	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json5.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	parts := strings.Split(key, ".")
	cur := raw
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = parseValue(value)

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	// Round-trip through Load to catch type errors immediately.
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("config invalid after edit: %w", err)
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}

func parseValue(s string) any {
	if s == "true" || s == "false" {
		return s == "true"
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store an API key for the default provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.DataDir()
			if err != nil {
				return err
			}
			var key string
			err = huh.NewInput().
				Title("Anthropic API key").
				Description("Stored in " + credentialPath(dataDir) + " (mode 0600). WHALE_API_KEY overrides it.").
				EchoMode(huh.EchoModePassword).
				Value(&key).
				Run()
			if err != nil {
				return err
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("no key entered")
			}
			if err := os.WriteFile(credentialPath(dataDir), []byte(key+"\n"), 0600); err != nil {
				return err
			}
			fmt.Println("key stored")
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.DataDir()
			if err != nil {
				return err
			}
			if err := os.Remove(credentialPath(dataDir)); err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no stored key")
					return nil
				}
				return err
			}
			fmt.Println("key removed")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and conversation summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dataDir, _ := config.DataDir()

			fmt.Printf("  Model:       %s\n", cfg.Model)
			fmt.Printf("  Permission:  %s\n", cfg.PermissionMode)
			fmt.Printf("  Data dir:    %s\n", dataDir)
			fmt.Printf("  API key:     %s\n", keyStatus(cfg))
			backend := cfg.Store.Backend
			if backend == "" {
				backend = "file"
			}
			fmt.Printf("  Store:       %s\n", backend)

			sessions, err := buildSessionStore(cfg, dataDir)
			if err != nil {
				return err
			}
			infos, err := sessions.List()
			if err != nil {
				return err
			}
			fmt.Printf("  Sessions:    %d\n", len(infos))
			if len(infos) > 0 {
				fmt.Printf("  Latest:      %s (%s)\n", infos[0].Title, infos[0].ID[:8])
			}
			return nil
		},
	}
}

func keyStatus(cfg *config.Config) string {
	switch {
	case os.Getenv("WHALE_API_KEY") != "" || os.Getenv("ANTHROPIC_API_KEY") != "":
		return "set (env)"
	case cfg.Providers.Anthropic.APIKey != "":
		return "set (stored)"
	case cfg.Providers.OpenAI.APIKey != "":
		return "set (openai)"
	}
	return "MISSING — run `whale login`"
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.DataDir()
			if err != nil {
				return err
			}
			path := cfgFile
			if path == "" {
				path = config.Path(dataDir)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Model").
						Value(&cfg.Model),
					huh.NewSelect[string]().
						Title("Permission mode").
						Options(
							huh.NewOption("default (confirm writes)", config.PermissionDefault),
							huh.NewOption("plan (read-only)", config.PermissionPlan),
							huh.NewOption("yolo (no confirmation)", config.PermissionYolo),
						).
						Value(&cfg.PermissionMode),
					huh.NewSelect[string]().
						Title("Conversation store").
						Options(
							huh.NewOption("file (one JSON blob per conversation)", "file"),
							huh.NewOption("sqlite (single database)", "sqlite"),
						).
						Value(&cfg.Store.Backend),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Println("wrote", path)

			if readCredential(dataDir) == "" && os.Getenv("WHALE_API_KEY") == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
				fmt.Println("no API key found; run `whale login` next")
			}
			return nil
		},
	}
}

func storesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dataDir, _ := config.DataDir()
			sessions, err := buildSessionStore(cfg, dataDir)
			if err != nil {
				return err
			}
			infos, err := sessions.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s  %-40s %4d msgs  %s\n", info.ID[:8], info.Title,
					info.Messages, info.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dataDir, _ := config.DataDir()
			sessions, err := buildSessionStore(cfg, dataDir)
			if err != nil {
				return err
			}
			if err := sessions.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	})
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage remote tool sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured tool sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.MCP) == 0 {
				fmt.Println("no tool sources configured")
				return nil
			}
			for name, srv := range cfg.MCP {
				auth := ""
				if srv.Token != "" {
					auth = " (token)"
				}
				fmt.Printf("%-20s %s%s\n", name, srv.URL, auth)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Add a tool source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editMCP(func(mcp map[string]config.MCPServer) error {
				mcp[args[0]] = config.MCPServer{URL: args[1]}
				fmt.Println("added", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a tool source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editMCP(func(mcp map[string]config.MCPServer) error {
				if _, ok := mcp[args[0]]; !ok {
					return fmt.Errorf("unknown tool source %q", args[0])
				}
				delete(mcp, args[0])
				fmt.Println("removed", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Show one tool source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srv, ok := cfg.MCP[args[0]]
			if !ok {
				return fmt.Errorf("unknown tool source %q", args[0])
			}
			data, err := json.MarshalIndent(srv, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})
	return cmd
}

// editMCP loads the config file, applies edit to the MCP map, and saves.
func editMCP(edit func(map[string]config.MCPServer) error) error {
	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	path := cfgFile
	if path == "" {
		path = config.Path(dataDir)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.MCP == nil {
		cfg.MCP = make(map[string]config.MCPServer)
	}
	if err := edit(cfg.MCP); err != nil {
		return err
	}
	return config.Save(path, cfg)
}
