package lsp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/whale-sh/whale/internal/config"
)

const (
	requestTimeout = 30 * time.Second
	shutdownGrace  = 2 * time.Second
)

// languageByExt maps file extensions to LSP language ids.
var languageByExt = map[string]string{
	".go":  "go",
	".ts":  "typescript",
	".tsx": "typescriptreact",
	".js":  "javascript",
	".jsx": "javascriptreact",
	".py":  "python",
	".rs":  "rust",
}

// defaultServers maps language ids to the binary looked up on PATH.
var defaultServers = map[string][]string{
	"go":              {"gopls"},
	"typescript":      {"typescript-language-server", "--stdio"},
	"typescriptreact": {"typescript-language-server", "--stdio"},
	"javascript":      {"typescript-language-server", "--stdio"},
	"javascriptreact": {"typescript-language-server", "--stdio"},
	"python":          {"pyright-langserver", "--stdio"},
	"rust":            {"rust-analyzer"},
}

// rootMarkers identify a project root walking up from a file.
var rootMarkers = []string{"go.mod", "package.json", "Cargo.toml", "pyproject.toml", ".git"}

// fileState is the per-document synchronization state.
type fileState struct {
	version int
	mtime   time.Time
	hash    string
}

// session is one running language server bound to (language, root).
type session struct {
	language string
	root     string
	client   *client
	cmd      *exec.Cmd

	mu             sync.Mutex
	files          map[string]*fileState
	projectIndexed bool
}

// Manager owns one language server per (language, project root) and
// respawns servers that die.
type Manager struct {
	cfg config.LSPConfig

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(cfg config.LSPConfig) *Manager {
	return &Manager{cfg: cfg, sessions: make(map[string]*session)}
}

// LanguageFor returns the language id for a path, or "" if unsupported.
func LanguageFor(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// session returns the live server for path, spawning or respawning as
// needed.
func (m *Manager) session(ctx context.Context, path string) (*session, error) {
	if m.cfg.Disabled {
		return nil, fmt.Errorf("lsp: disabled by configuration")
	}
	language := LanguageFor(path)
	if language == "" {
		return nil, fmt.Errorf("lsp: no language server for %s files", filepath.Ext(path))
	}
	root := findRoot(filepath.Dir(path))
	key := language + "\x00" + root

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		if s.client.Alive() {
			return s, nil
		}
		// Dead server: drop the session and start over.
		delete(m.sessions, key)
	}
	s, err := m.spawn(ctx, language, root)
	if err != nil {
		return nil, err
	}
	m.sessions[key] = s
	return s, nil
}

func (m *Manager) spawn(ctx context.Context, language, root string) (*session, error) {
	argv := defaultServers[language]
	if override := m.cfg.Servers[language]; override != "" {
		argv = strings.Fields(override)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("lsp: %s not found on PATH (needed for %s)", argv[0], language)
	}

	cmd := exec.Command(bin, argv[1:]...)
	cmd.Dir = root
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lsp: start %s: %w", argv[0], err)
	}

	s := &session{
		language: language,
		root:     root,
		client:   newClient(stdin, stdout),
		cmd:      cmd,
		files:    make(map[string]*fileState),
	}
	go func() {
		cmd.Wait()
		s.client.close()
	}()

	if err := s.initialize(ctx); err != nil {
		s.kill()
		return nil, err
	}
	return s, nil
}

func (s *session) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   pathToURI(s.root),
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover": map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
				"documentSymbol": map[string]any{
					"hierarchicalDocumentSymbolSupport": true,
				},
				"callHierarchy": map[string]any{},
			},
			"workspace": map[string]any{"symbol": map[string]any{}},
		},
	}
	if err := s.client.Call(ctx, "initialize", params, nil); err != nil {
		return fmt.Errorf("lsp: initialize %s: %w", s.language, err)
	}
	return s.client.Notify("initialized", map[string]any{})
}

// ensureOpen synchronizes one document with the server. Unchanged files
// (same mtime and content hash) are a no-op; new files are opened and
// probed; changed files get a full-content didChange.
func (s *session) ensureOpen(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("lsp: stat %s: %w", path, err)
	}

	s.mu.Lock()
	st, known := s.files[path]
	if known && st.mtime.Equal(info.ModTime()) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("lsp: read %s: %w", path, err)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	st, known = s.files[path]
	if known && st.hash == hash {
		st.mtime = info.ModTime()
		return nil
	}

	uri := pathToURI(path)
	if !known {
		s.files[path] = &fileState{version: 1, mtime: info.ModTime(), hash: hash}
		if err := s.client.Notify("textDocument/didOpen", map[string]any{
			"textDocument": TextDocumentItem{URI: uri, LanguageID: s.language, Version: 1, Text: string(content)},
		}); err != nil {
			return err
		}
		s.probe(ctx, uri)
		if !s.projectIndexed {
			s.projectIndexed = true
			// Warm the workspace index so the first real query is fast.
			warmCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			s.client.Call(warmCtx, "workspace/symbol", map[string]any{"query": ""}, nil)
			cancel()
		}
		return nil
	}

	st.version++
	st.mtime = info.ModTime()
	st.hash = hash
	if err := s.client.Notify("textDocument/didChange", map[string]any{
		"textDocument":   VersionedTextDocumentIdentifier{URI: uri, Version: st.version},
		"contentChanges": []map[string]any{{"text": string(content)}},
	}); err != nil {
		return err
	}
	s.probe(ctx, uri)
	return nil
}

// probe issues a documentSymbol request so the server finishes analyzing
// the document before real queries arrive. Errors are ignored.
func (s *session) probe(ctx context.Context, uri string) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	s.client.Call(ctx, "textDocument/documentSymbol", map[string]any{
		"textDocument": TextDocumentIdentifier{URI: uri},
	}, nil)
}

// NotifyFileChanged invalidates the cached sync state so the next query
// re-reads the file from disk.
func (m *Manager) NotifyFileChanged(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.mu.Lock()
		if st, ok := s.files[path]; ok {
			st.mtime = time.Time{}
		}
		s.mu.Unlock()
	}
}

// Shutdown stops every server with the protocol handshake, killing any
// that outlive the grace period.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for k, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			s.client.Call(ctx, "shutdown", nil, nil)
			s.client.Notify("exit", nil)
			cancel()

			done := make(chan struct{})
			go func() {
				s.cmd.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(shutdownGrace):
				s.kill()
			}
		}(s)
	}
	wg.Wait()
}

func (s *session) kill() {
	s.client.close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// call wraps a request with the standard timeout.
func (s *session) call(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return s.client.Call(ctx, method, params, result)
}

// findRoot walks up from dir looking for a project marker.
func findRoot(dir string) string {
	cur := dir
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

func pathToURI(path string) string { return "file://" + filepath.ToSlash(path) }

func uriToPath(uri string) string {
	return filepath.FromSlash(strings.TrimPrefix(uri, "file://"))
}
